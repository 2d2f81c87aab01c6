// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xresnet implements the XResNet family of convolutional
// image-classification models for GoMLX, following the fastai variant of the
// ResNet architecture: a 3-convolution stem, pre-activation residual blocks
// (batch normalization → ReLU → convolution) and a smoothed downsampling path
// (mean-pooling before the 1x1 projection).
//
// The supported variants are XResNet18, XResNet34, XResNet50, XResNet101 and
// XResNet152. Build the model with BuildGraph:
//
//	logits := xresnet.BuildGraph(ctx, images).
//		Variant(xresnet.XResNet50).
//		NumClasses(1000).
//		Done()
//
// Or use it as an image feature extractor ("embedding"):
//
//	embeddings := xresnet.BuildGraph(ctx, images).
//		Variant(xresnet.XResNet50).
//		ClassificationTop(false).
//		SetPooling(xresnet.MeanPooling).
//		PreTrained(dataDir).
//		Trainable(false).
//		Done()
//
// Variables are created (or reused) in the current scope of ctx, so calling
// BuildGraph more than once with the same scope shares the same weights --
// e.g. for two-tower models. To instantiate independent models, use different
// scopes.
package xresnet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// BlockType is the type of residual block a variant is built from.
type BlockType int

const (
	// Basic blocks have two 3x3 convolution groups and no channel expansion.
	// Used by XResNet18 and XResNet34.
	Basic BlockType = iota

	// Bottleneck blocks have a 1x1 → 3x3 → 1x1 convolution group sequence, and
	// expand the output channels by 4. Used by XResNet50 and larger.
	Bottleneck
)

// Expansion returns the channel expansion factor of the block: the last stage
// outputs 512*Expansion() channels.
func (b BlockType) Expansion() int {
	if b == Bottleneck {
		return 4
	}
	return 1
}

// Variant selects the depth of the XResNet model.
type Variant int

const (
	XResNet18 Variant = iota
	XResNet34
	XResNet50
	XResNet101
	XResNet152
)

// String implements fmt.Stringer. The returned name is also used for the
// weights sub-directory and download file names.
func (v Variant) String() string {
	switch v {
	case XResNet18:
		return "xresnet18"
	case XResNet34:
		return "xresnet34"
	case XResNet50:
		return "xresnet50"
	case XResNet101:
		return "xresnet101"
	case XResNet152:
		return "xresnet152"
	}
	return fmt.Sprintf("invalid_variant_%d", int(v))
}

// ParseVariant converts a variant name ("xresnet18", "xresnet34", ...) to the
// corresponding Variant.
func ParseVariant(name string) (Variant, error) {
	for _, v := range []Variant{XResNet18, XResNet34, XResNet50, XResNet101, XResNet152} {
		if name == v.String() {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown XResNet variant %q -- valid values are xresnet18, xresnet34, xresnet50, xresnet101 and xresnet152", name)
}

// BlockType of the variant: Basic for XResNet18/34, Bottleneck for the rest.
func (v Variant) BlockType() BlockType {
	if v == XResNet18 || v == XResNet34 {
		return Basic
	}
	return Bottleneck
}

// blockCounts returns the number of residual blocks of each of the 4 stages.
func (v Variant) blockCounts() [numStages]int {
	switch v {
	case XResNet18:
		return [numStages]int{2, 2, 2, 2}
	case XResNet34, XResNet50:
		return [numStages]int{3, 4, 6, 3}
	case XResNet101:
		return [numStages]int{3, 4, 23, 3}
	case XResNet152:
		return [numStages]int{3, 8, 36, 3}
	}
	exceptions.Panicf("xresnet: invalid variant %d", int(v))
	return [numStages]int{}
}

// NumFeatures returns the number of channels output by the last residual
// stage of the variant, which is also the size of the pooled embeddings.
func (v Variant) NumFeatures() int {
	return stageWidths[numStages-1] * v.BlockType().Expansion()
}

// PoolingType is used with Config.SetPooling to define how to pool the final
// feature maps when the classification top is disabled.
type PoolingType int

const (
	// MeanPooling takes the mean of the spatial dimensions of the last feature
	// maps. The default, and the pooling the classification top uses.
	MeanPooling PoolingType = iota

	// MaxPooling takes the max of the spatial dimensions of the last feature
	// maps.
	MaxPooling

	// NoPooling returns the last feature maps unpooled, shaped
	// [batch, height, width, features] (or channels-first equivalent).
	NoPooling
)

const (
	// Scope is the alias scope used for the node aliases created when
	// Config.WithAliases is enabled.
	Scope = "xresnet"

	// ClassificationImageSize is the image size (224x224) the published
	// weights were trained with. The model itself is fully convolutional and
	// accepts any spatial size >= MinimumImageSize.
	ClassificationImageSize = 224

	numStages = 4
)

// stageWidths is the base (unexpanded) channel width of each residual stage.
var stageWidths = [numStages]int{64, 128, 256, 512}

// stageStrides is the stride of the first block of each residual stage.
var stageStrides = [numStages]int{1, 2, 2, 2}

// Config is created with BuildGraph. Set the desired options and call Done to
// get the output of the model.
type Config struct {
	ctx   *context.Context
	image *Node

	variant           Variant
	numClasses        int
	channelsConfig    images.ChannelsAxisConfig
	classificationTop bool
	pooling           PoolingType
	preTrainedDir     string
	trainable         bool
	withAliases       bool
}

// BuildGraph of the XResNet model for the batch of images, shaped
// [batch, height, width, channels] (channels-last, the default) or
// [batch, channels, height, width] (see Config.ChannelsAxis).
//
// It returns a Config object for setting options. Once done, call
// Config.Done and it returns the output of the model.
//
// Defaults: XResNet50, 1000 classes, channels-last, classification top
// enabled, trainable, no pretrained weights.
func BuildGraph(ctx *context.Context, image *Node) *Config {
	return &Config{
		ctx:               ctx,
		image:             image,
		variant:           XResNet50,
		numClasses:        1000,
		channelsConfig:    images.ChannelsLast,
		classificationTop: true,
		pooling:           MeanPooling,
		trainable:         true,
	}
}

// Variant sets the depth of the model. Default is XResNet50.
func (cfg *Config) Variant(v Variant) *Config {
	cfg.variant = v
	return cfg
}

// NumClasses sets the number of classes output by the classification top.
// Default is 1000 (ImageNet). It is ignored if the classification top is
// disabled.
//
// The published pretrained weights use 1000 classes; to fine-tune to a
// different number of classes, disable the classification top and add your
// own readout layer on the returned embeddings.
func (cfg *Config) NumClasses(n int) *Config {
	cfg.numClasses = n
	return cfg
}

// ChannelsAxis configures which axis holds the image channels: the default is
// images.ChannelsLast.
func (cfg *Config) ChannelsAxis(channelsConfig images.ChannelsAxisConfig) *Config {
	cfg.channelsConfig = channelsConfig
	return cfg
}

// ClassificationTop sets whether to include the classification head: global
// mean pooling → ReLU → batch normalization → dense layer to NumClasses
// logits. Default is true.
//
// If disabled, the model outputs image embeddings, pooled according to
// SetPooling.
func (cfg *Config) ClassificationTop(enabled bool) *Config {
	cfg.classificationTop = enabled
	return cfg
}

// SetPooling defines how the final feature maps are pooled when the
// classification top is disabled. Default is MeanPooling.
func (cfg *Config) SetPooling(pooling PoolingType) *Config {
	cfg.pooling = pooling
	return cfg
}

// PreTrained loads the pretrained ImageNet weights from baseDir before
// building the graph, on the first build in the current scope.
//
// Call DownloadWeights (or cmd/xresnet-classify) first to make sure the
// weights are available in baseDir. Only some variants have published
// weights, see HasWeights.
//
// An empty baseDir disables loading (the default), and the model is randomly
// initialized: convolution kernels with He initialization, biases at zero,
// and the batch normalization that closes each residual block with its scale
// at zero, so every block starts as an identity.
func (cfg *Config) PreTrained(baseDir string) *Config {
	cfg.preTrainedDir = baseDir
	return cfg
}

// Trainable sets whether the model variables are created as trainable, and
// whether batch normalization statistics are updated during training. Set to
// false when using the model as a frozen feature extractor. Default is true.
func (cfg *Config) Trainable(trainable bool) *Config {
	cfg.trainable = trainable
	return cfg
}

// WithAliases sets whether to create node aliases for the intermediary
// outputs of the model -- "/xresnet/stem/conv_0/output",
// "/xresnet/stage_1/block_0/output", ..., "/xresnet/embeddings",
// "/xresnet/logits". They can be retrieved with Graph.GetNodeByAlias, e.g.
// for intermediate-layer losses or inspection. Default is false.
func (cfg *Config) WithAliases(enabled bool) *Config {
	cfg.withAliases = enabled
	return cfg
}

// Done builds the model graph with the given configuration and returns its
// output: logits shaped [batch, numClasses] with the classification top, or
// embeddings/feature maps according to SetPooling without it.
//
// It panics on invalid configurations or if loading pretrained weights fails,
// reporting the error in the graph, as usual for graph building functions.
func (cfg *Config) Done() *Node {
	x := cfg.image
	g := x.Graph()
	if x.Rank() != 4 {
		exceptions.Panicf("xresnet: input image must be rank-4 ([batch, height, width, channels]), got shape %s",
			x.Shape())
	}
	if cfg.classificationTop && cfg.pooling != MeanPooling {
		exceptions.Panicf("xresnet: the classification top always uses mean pooling -- " +
			"use ClassificationTop(false) to select a different pooling")
	}

	// Variables are created in the current scope; Checked(false) allows both
	// fresh creation and reuse (second towers, pretrained weights).
	ctx := cfg.ctx.Checked(false)
	if cfg.preTrainedDir != "" && !scopeHasVariables(ctx) {
		if err := LoadWeights(ctx, cfg.variant, cfg.preTrainedDir); err != nil {
			exceptions.Panicf("xresnet: failed to load pretrained %s weights from %q: %+v",
				cfg.variant, cfg.preTrainedDir, err)
		}
	}

	if cfg.withAliases {
		g.PushAliasScope(Scope)
		defer g.PopAliasScope()
	}

	// Stem: two conv→ReLU→BN groups and a plain convolution, then max-pool.
	stemCtx := ctx.In("stem")
	x = cfg.convReluBn(stemCtx.In("conv_0"), x, 32, 2)
	cfg.alias(x, "stem/conv_0/output")
	x = cfg.convReluBn(stemCtx.In("conv_1"), x, 32, 1)
	cfg.alias(x, "stem/conv_1/output")
	x = cfg.conv(stemCtx.In("conv_2"), x, 64, 3, 1)
	cfg.alias(x, "stem/conv_2/output")
	x = MaxPool(x).Window(3).Strides(2).ChannelsAxis(cfg.channelsConfig).PadSame().Done()

	// Residual stages.
	blockCounts := cfg.variant.blockCounts()
	for stageIdx := range numStages {
		x = cfg.stage(ctx.Inf("stage_%d", stageIdx+1), x, stageIdx, blockCounts[stageIdx])
	}

	if !cfg.classificationTop {
		switch cfg.pooling {
		case MeanPooling:
			x = ReduceMean(x, images.GetSpatialAxes(x, cfg.channelsConfig)...)
			cfg.alias(x, "embeddings")
		case MaxPooling:
			x = ReduceMax(x, images.GetSpatialAxes(x, cfg.channelsConfig)...)
			cfg.alias(x, "embeddings")
		case NoPooling:
			// Feature maps returned as they are.
		default:
			exceptions.Panicf("xresnet: invalid pooling type %d", int(cfg.pooling))
		}
	} else {
		x = cfg.classificationHead(ctx, x)
	}

	if !cfg.trainable {
		cfg.ctx.EnumerateVariablesInScope(func(v *context.Variable) {
			v.SetTrainable(false)
		})
	}
	return x
}

// classificationHead implements the fastai XResNet head: global mean pooling,
// then ReLU → batch normalization → dense readout to the class logits.
func (cfg *Config) classificationHead(ctx *context.Context, x *Node) *Node {
	x = ReduceMean(x, images.GetSpatialAxes(x, cfg.channelsConfig)...)
	cfg.alias(x, "embeddings")
	headCtx := ctx.In("head")
	x = activations.Relu(x)
	x = cfg.batchNormAxis(headCtx, x, -1)
	// The readout weights are initialized from N(0, 0.01), smaller than the
	// default He initialization.
	denseCtx := headCtx.WithInitializer(initializers.RandomNormalFn(headCtx, 0.01))
	x = layers.Dense(denseCtx, x, true, cfg.numClasses)
	cfg.alias(x, "logits")
	return x
}

// alias registers an alias for the node, if Config.WithAliases is enabled.
func (cfg *Config) alias(x *Node, alias string) {
	if cfg.withAliases {
		x.WithAlias(alias)
	}
}

// scopeHasVariables reports whether any variable exists in ctx's current
// scope (or below).
func scopeHasVariables(ctx *context.Context) bool {
	var found bool
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		found = true
	})
	return found
}
