package eval

import (
	"fmt"
	"os"
)

// ProjectTemplate is written by `adreel init`.
const ProjectTemplate = `/// Ad project evaluated by adreel.
name = "my-product"

/// What the ad is about. Override per run with -D description=...
description = read?("prop:description") ?? "A reusable stainless steel travel mug that keeps drinks hot for 12 hours."

/// Optional product photo, relative to this file.
productImage = ""

aspectRatio = "9:16"
geography = "US"
style = "bright, handheld, lifestyle"
ctaText = "Shop now"
website = "example.com"
musicMood = "upbeat"

/// Exact background music prompt; overrides musicMood and brand.musicStyle.
musicPrompt = ""

brand {
  name = "Acme"
  colors = new Listing { "#FF6B00"; "#1A1A1A" }
  characterPrompt = ""
  musicStyle = ""
}

/// Leave empty to let the script stage write the shot list.
scenes = new Listing {}
`

// WriteTemplate creates path from ProjectTemplate unless it already exists.
func WriteTemplate(path string) error {
	if fileExists(path) {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(ProjectTemplate), 0644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
