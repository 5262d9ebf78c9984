// Package backbone - Truncated ResNet feature extraction.
//
// The backbone runs conv1 through layer3 of a pretrained ResNet and returns
// the layer2 and layer3 activations, which are pooled per region by the
// classifier.
package backbone

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrUnknownVariant is returned for backbone names without a channel table entry.
var ErrUnknownVariant = errors.New("backbone: unknown variant")

// ErrOutputShape is returned when the backbone produces unexpected feature maps.
var ErrOutputShape = errors.New("backbone: unexpected output shape")

// Features are the two feature levels of a batch.
type Features struct {
	// L1 is the layer2 output, [N, C1, H/8, W/8].
	L1 *tensor.Dense
	// L2 is the layer3 output, [N, C2, H/16, W/16].
	L2 *tensor.Dense
}

// Extractor computes backbone features for a batch of images.
type Extractor interface {
	// Extract runs the backbone on a [N, 3, H, W] float32 tensor.
	Extract(ctx context.Context, input *tensor.Dense) (Features, error)
	// Channels returns the channel counts of the two feature levels.
	Channels() (l1, l2 int)
	// Close releases the extractor's resources.
	Close() error
}

// Variant describes the feature channels of a ResNet depth.
type Variant struct {
	Name       string `json:"name"        yaml:"name"`
	ChannelsL1 int    `json:"channels_l1" yaml:"channels_l1"`
	ChannelsL2 int    `json:"channels_l2" yaml:"channels_l2"`
}

var variants = map[string]Variant{
	"resnet18":  {Name: "resnet18", ChannelsL1: 128, ChannelsL2: 256},
	"resnet34":  {Name: "resnet34", ChannelsL1: 128, ChannelsL2: 256},
	"resnet50":  {Name: "resnet50", ChannelsL1: 512, ChannelsL2: 1024},
	"resnet101": {Name: "resnet101", ChannelsL1: 512, ChannelsL2: 1024},
	"resnet152": {Name: "resnet152", ChannelsL1: 512, ChannelsL2: 1024},
}

// DefaultVariant is the backbone used when none is configured.
const DefaultVariant = "resnet50"

// LookupVariant returns the channel table entry for a backbone name.
func LookupVariant(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownVariant, name, VariantNames())
	}
	return v, nil
}

// VariantNames returns the supported backbone names, sorted.
func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckFeatures validates extracted features against the input batch and variant.
//
// Arguments:
//   - f: The extracted features.
//   - batch: The input batch size.
//   - v: The expected variant.
//
// Returns:
//   - error: ErrOutputShape describing the first mismatch.
func CheckFeatures(f Features, batch int, v Variant) error {
	levels := []struct {
		name     string
		t        *tensor.Dense
		channels int
	}{
		{"l1", f.L1, v.ChannelsL1},
		{"l2", f.L2, v.ChannelsL2},
	}
	for _, level := range levels {
		if level.t == nil {
			return errors.Wrapf(ErrOutputShape, "%s is missing", level.name)
		}
		shape := level.t.Shape()
		if len(shape) != 4 {
			return errors.Wrapf(ErrOutputShape, "%s has rank %d, want 4", level.name, len(shape))
		}
		if shape[0] != batch {
			return errors.Wrapf(ErrOutputShape, "%s has batch %d, want %d", level.name, shape[0], batch)
		}
		if shape[1] != level.channels {
			return errors.Wrapf(ErrOutputShape, "%s has %d channels, want %d", level.name, shape[1], level.channels)
		}
	}
	return nil
}
