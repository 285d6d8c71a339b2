package models

import "sort"

// Profile describes a target resolution and bitrate for a transcode.
// A zero Height keeps the source resolution.
type Profile struct {
	ID               string `json:"id"`
	Height           int    `json:"height"`
	VideoBitrateKbps int    `json:"video_bitrate_kbps"`
	AudioBitrateKbps int    `json:"audio_bitrate_kbps"`
}

var profiles = map[string]Profile{
	"480p":     {ID: "480p", Height: 480, VideoBitrateKbps: 1500, AudioBitrateKbps: 128},
	"720p":     {ID: "720p", Height: 720, VideoBitrateKbps: 4000, AudioBitrateKbps: 160},
	"1080p":    {ID: "1080p", Height: 1080, VideoBitrateKbps: 8000, AudioBitrateKbps: 192},
	"original": {ID: "original", Height: 0, VideoBitrateKbps: 12000, AudioBitrateKbps: 192},
}

// LookupProfile returns the profile registered under id.
func LookupProfile(id string) (Profile, bool) {
	p, ok := profiles[id]
	return p, ok
}

// Profiles returns all registered profiles ordered by height.
func Profiles() []Profile {
	out := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height == 0 {
			return false
		}
		if out[j].Height == 0 {
			return true
		}
		return out[i].Height < out[j].Height
	})
	return out
}
