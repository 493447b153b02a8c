package cmd

import (
	"testing"

	"github.com/virtfleet-io/vf-agent/internal/router"
)

func TestTargetInfos(t *testing.T) {
	infos, err := targetInfos(map[string]any{
		"targets": []router.TargetInfo{{Name: "lab-a", URL: "https://pve-a:8006", Active: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "lab-a" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestTargetInfosBadShape(t *testing.T) {
	cases := []struct {
		desc   string
		result map[string]any
	}{
		{"missing key", map[string]any{}},
		{"wrong element type", map[string]any{"targets": []string{"lab-a"}}},
		{"not a slice", map[string]any{"targets": "lab-a"}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := targetInfos(tc.result); err == nil {
				t.Error("want error, got none")
			}
		})
	}
}
