package ir

// Project is the per-ad input evaluated from the project's Pkl module.
type Project struct {
	Name         string       `pkl:"name" json:"name,omitempty"`
	Description  string       `pkl:"description" json:"description"`
	ProductImage string       `pkl:"productImage" json:"product_image,omitempty"`
	AspectRatio  string       `pkl:"aspectRatio" json:"aspect_ratio,omitempty"`
	Geography    string       `pkl:"geography" json:"geography,omitempty"`
	Style        string       `pkl:"style" json:"style,omitempty"`
	CTAText      string       `pkl:"ctaText" json:"cta_text,omitempty"`
	Website      string       `pkl:"website" json:"website,omitempty"`
	MusicMood    string       `pkl:"musicMood" json:"music_mood,omitempty"`
	MusicPrompt  string       `pkl:"musicPrompt" json:"music_prompt,omitempty"`
	Brand        *Brand       `pkl:"brand" json:"brand,omitempty"`
	Scenes       []*SceneSpec `pkl:"scenes" json:"scenes,omitempty"`
}

// Brand carries brand identity hints applied to every generation.
type Brand struct {
	Name            string   `pkl:"name" json:"name,omitempty"`
	Colors          []string `pkl:"colors" json:"colors,omitempty"`
	CharacterPrompt string   `pkl:"characterPrompt" json:"character_prompt,omitempty"`
	MusicStyle      string   `pkl:"musicStyle" json:"music_style,omitempty"`
}
