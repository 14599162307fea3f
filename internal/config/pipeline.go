package config

import (
	"fmt"
	"sort"

	"github.com/cuongbtq/vidflow/internal/domain"
)

// ResolutionTable builds the encoder lookup table from the resolutions map
func (p PipelineConfig) ResolutionTable() (*domain.ResolutionTable, error) {
	labels := make([]string, 0, len(p.Resolutions))
	for label := range p.Resolutions {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	profiles := make([]domain.Profile, 0, len(labels))
	for _, label := range labels {
		r := p.Resolutions[label]
		profiles = append(profiles, domain.Profile{
			Resolution: domain.Resolution(label),
			Bitrate:    r.Bitrate,
			Width:      r.Width,
			Height:     r.Height,
		})
	}

	table, err := domain.NewResolutionTable(profiles, domain.Resolution(p.DefaultResolution))
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline resolutions: %w", err)
	}
	return table, nil
}

// Required returns the quality set every new video must reach
func (p PipelineConfig) Required() ([]domain.Resolution, error) {
	required, err := domain.ParseResolutions(p.RequiredQualities)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline required_qualities: %w", err)
	}
	if len(required) == 0 {
		return nil, fmt.Errorf("pipeline required_qualities must not be empty")
	}
	return required, nil
}

// Visibility parses the default visibility for uploads that omit one
func (p PipelineConfig) Visibility() (domain.Visibility, error) {
	v, err := domain.ParseVisibility(p.DefaultVisibility)
	if err != nil {
		return "", fmt.Errorf("invalid pipeline default_visibility: %w", err)
	}
	return v, nil
}
