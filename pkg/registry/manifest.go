package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/berth/pkg/errdefs"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// LayerSizes is the compressed size of every layer of one platform image
type LayerSizes struct {
	// Digest is the platform manifest the sizes were read from
	Digest   string
	Platform string
	// Sizes maps the 12-character short layer id to its size in bytes
	Sizes map[string]int64
	Total int64
}

// GetLayerSizes resolves repo:tag for platform ("linux/arm64/v8") and returns
// its layer sizes. Manifest lists fall back from an exact os/arch/variant
// match to os/arch, then os only, then the first non-attestation entry.
func (c *Client) GetLayerSizes(ctx context.Context, repo, tag, platform string) (ls *LayerSizes, err error) {
	defer func() { record("layer_sizes", err) }()

	want, err := v1.ParsePlatform(platform)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInternal, "", fmt.Errorf("invalid platform %q: %w", platform, err))
	}

	body, mt, err := c.fetchManifest(ctx, repo, tag)
	if err != nil {
		return nil, err
	}

	result := &LayerSizes{Platform: want.String()}
	if isIndex(body, mt) {
		idx, err := v1.ParseIndexManifest(bytes.NewReader(body))
		if err != nil {
			return nil, registryError(fmt.Errorf("parse index for %s:%s: %w", repo, tag, err))
		}
		desc, ok := selectPlatform(idx.Manifests, *want)
		if !ok {
			return nil, registryError(fmt.Errorf("index for %s:%s has no usable manifest", repo, tag))
		}
		if desc.Platform != nil {
			result.Platform = desc.Platform.String()
		}
		result.Digest = desc.Digest.String()

		body, _, err = c.fetchManifest(ctx, repo, desc.Digest.String())
		if err != nil {
			return nil, err
		}
	}

	m, err := v1.ParseManifest(bytes.NewReader(body))
	if err != nil {
		return nil, registryError(fmt.Errorf("parse manifest for %s:%s: %w", repo, tag, err))
	}
	if result.Digest == "" {
		if h, _, err := v1.SHA256(bytes.NewReader(body)); err == nil {
			result.Digest = h.String()
		}
	}

	result.Sizes = make(map[string]int64, len(m.Layers))
	for _, l := range m.Layers {
		result.Sizes[shortID(l.Digest.Hex)] += l.Size
		result.Total += l.Size
	}
	c.logger.Debug().
		Str("repository", repo).
		Str("tag", tag).
		Str("platform", result.Platform).
		Int("layers", len(m.Layers)).
		Int64("bytes", result.Total).
		Msg("Resolved layer sizes")
	return result, nil
}

func shortID(hex string) string {
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

// isIndex trusts the Content-Type when present and sniffs mediaType otherwise
func isIndex(body []byte, mt types.MediaType) bool {
	if mt.IsIndex() {
		return true
	}
	if mt.IsImage() {
		return false
	}
	var probe struct {
		MediaType types.MediaType `json:"mediaType"`
		Manifests []any           `json:"manifests"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.MediaType.IsIndex() || (probe.MediaType == "" && probe.Manifests != nil)
}

func isAttestation(d v1.Descriptor) bool {
	if d.Annotations["vnd.docker.reference.type"] == "attestation-manifest" {
		return true
	}
	return d.Platform != nil && (d.Platform.OS == "unknown" || d.Platform.Architecture == "unknown")
}

func selectPlatform(descs []v1.Descriptor, want v1.Platform) (v1.Descriptor, bool) {
	var candidates []v1.Descriptor
	for _, d := range descs {
		if !isAttestation(d) {
			candidates = append(candidates, d)
		}
	}

	matchers := []func(p *v1.Platform) bool{
		func(p *v1.Platform) bool {
			return p.OS == want.OS && p.Architecture == want.Architecture && p.Variant == want.Variant
		},
		func(p *v1.Platform) bool {
			return p.OS == want.OS && p.Architecture == want.Architecture
		},
		func(p *v1.Platform) bool {
			return p.OS == want.OS
		},
	}
	for _, match := range matchers {
		for _, d := range candidates {
			if d.Platform != nil && match(d.Platform) {
				return d, true
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return v1.Descriptor{}, false
}
