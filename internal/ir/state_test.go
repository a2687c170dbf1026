package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendModification(t *testing.T) {
	sc := &SceneSpec{ID: "Hook", Description: "Close-up of the mug"}

	assert.True(t, sc.AppendModification("warmer light"))
	assert.False(t, sc.AppendModification("warmer light"))
	assert.False(t, sc.AppendModification(""))
	assert.True(t, sc.AppendModification("slower pan"))
	assert.True(t, sc.AppendModification("warmer light"))

	assert.Equal(t, []string{"warmer light", "slower pan", "warmer light"}, sc.Modifications)
	assert.Equal(t, "Close-up of the mug REVISION 1: warmer light. REVISION 2: slower pan. REVISION 3: warmer light.", sc.Directives())
}

func TestAddCost_Accumulates(t *testing.T) {
	st := &PipelineState{}
	st.AddCost(0.5, Usage{UsageImages: 1})
	st.AddCost(1.25, Usage{UsageImages: 2, UsageVideoSeconds: 8})
	st.AddCost(0, nil)

	assert.InDelta(t, 1.75, st.Cost, 1e-9)
	assert.Equal(t, 3.0, st.Usage[UsageImages])
	assert.Equal(t, 8.0, st.Usage[UsageVideoSeconds])
}

func TestPredicates(t *testing.T) {
	st := &PipelineState{}
	assert.False(t, st.HasDNA())
	assert.False(t, st.HasScript())
	assert.False(t, st.HasAllScenes())

	script := "hello"
	st.Script = &script
	assert.False(t, st.HasScript(), "a script without scenes is incomplete")

	st.Scenes = []*SceneSpec{{ID: "Hook"}, {ID: "CTA"}}
	assert.True(t, st.HasScript())

	st.Results = []*SceneResult{{SceneID: "Hook"}, nil}
	assert.False(t, st.HasAllScenes())
	assert.Len(t, st.CompletedResults(), 1)

	st.Results[1] = &SceneResult{SceneID: "CTA"}
	assert.True(t, st.HasAllScenes())
	assert.Equal(t, 1, st.SceneIndex("CTA"))
	assert.Equal(t, -1, st.SceneIndex("Outro"))
}

func TestSceneResultRefs(t *testing.T) {
	var nilResult *SceneResult
	assert.Nil(t, nilResult.Refs())

	r := &SceneResult{Artifacts: []Artifact{
		{Kind: "image", LocalPath: "/out/0_Hook_image.png"},
		{Kind: "video", URI: "gs://bucket/0_Hook_video.mp4", LocalPath: "/out/0_Hook_video.mp4"},
		{Kind: "video"},
	}}
	assert.Equal(t, []string{"/out/0_Hook_image.png", "gs://bucket/0_Hook_video.mp4"}, r.Refs())
}
