// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xresnet

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// This file assembles the XResNet building blocks: the convolution groups,
// the pre-activation residual blocks and the residual stages.

// conv adds a bias-free 2D convolution. 1x1 kernels are unpadded, larger
// kernels are same-padded, so strides alone define the spatial downsampling.
func (cfg *Config) conv(ctx *context.Context, x *Node, filters, kernelSize, stride int) *Node {
	conv := layers.Convolution(ctx, x).
		Channels(filters).
		KernelSize(kernelSize).
		UseBias(false).
		ChannelsAxis(cfg.channelsConfig).
		Strides(stride)
	if kernelSize > 1 {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	return conv.Done()
}

// batchNorm adds a batch normalization layer over the channels axis.
func (cfg *Config) batchNorm(ctx *context.Context, x *Node) *Node {
	return cfg.batchNormAxis(ctx, x, images.GetChannelsAxis(x, cfg.channelsConfig))
}

func (cfg *Config) batchNormAxis(ctx *context.Context, x *Node, featureAxis int) *Node {
	return batchnorm.New(ctx, x, featureAxis).
		Epsilon(1e-5).
		Momentum(0.9).
		Trainable(cfg.trainable).
		FrozenAverages(!cfg.trainable).
		Done()
}

// convReluBn is the stem convolution group: convolution → ReLU → batch
// normalization. Note the unusual ordering, with the normalization after the
// activation: it is part of the architecture definition.
func (cfg *Config) convReluBn(ctx *context.Context, x *Node, filters, stride int) *Node {
	x = cfg.conv(ctx, x, filters, 3, stride)
	x = activations.Relu(x)
	return cfg.batchNorm(ctx, x)
}

// bnReluConv is the pre-activation convolution group used by the residual
// blocks: batch normalization → ReLU → convolution.
//
// If zeroGamma is set, the batch normalization scale is initialized to zero
// (instead of one), which makes the whole residual block start out as an
// identity function and improves training of deep networks. The scale
// variable is created ahead of the layer with a concrete zero value, which
// the layer (and any checkpoint loader) then reuses.
func (cfg *Config) bnReluConv(ctx *context.Context, x *Node, filters, kernelSize, stride int, zeroGamma bool) *Node {
	if zeroGamma {
		bnCtx := ctx.In("batch_normalization")
		if bnCtx.InspectVariableInScope("scale") == nil {
			featureDim := x.Shape().Dimensions[images.GetChannelsAxis(x, cfg.channelsConfig)]
			zeros := tensors.FromShape(shapes.Make(x.DType(), featureDim))
			_ = bnCtx.VariableWithValue("scale", zeros)
		}
	}
	x = cfg.batchNorm(ctx, x)
	x = activations.Relu(x)
	return cfg.conv(ctx, x, filters, kernelSize, stride)
}

// projectShortcut builds the downsampling path of the residual shortcut,
// used whenever the block changes the spatial resolution or the number of
// channels: 2x2 mean-pooling (only when striding), a 1x1 projection to the
// target channels and batch normalization.
//
// Pooling before the strided 1x1 convolution avoids the information loss of
// the classic ResNet shortcut, where the strided 1x1 convolution simply
// drops 3 out of every 4 positions.
func (cfg *Config) projectShortcut(ctx *context.Context, x *Node, channels, stride int) *Node {
	if stride == 2 {
		x = MeanPool(x).Window(2).Strides(2).ChannelsAxis(cfg.channelsConfig).NoPadding().Done()
	}
	x = cfg.conv(ctx, x, channels, 1, 1)
	return cfg.batchNorm(ctx, x)
}

// residualBlock builds one residual block (Basic or Bottleneck, according to
// the variant) with the given base width. Only the first block of a stage
// takes stride != 1.
func (cfg *Config) residualBlock(ctx *context.Context, x *Node, width, stride int) *Node {
	blockType := cfg.variant.BlockType()
	outChannels := width * blockType.Expansion()
	inChannels := x.Shape().Dimensions[images.GetChannelsAxis(x, cfg.channelsConfig)]

	identity := x
	if stride != 1 || inChannels != outChannels {
		identity = cfg.projectShortcut(ctx.In("downsample"), x, outChannels, stride)
	}

	switch blockType {
	case Basic:
		x = cfg.bnReluConv(ctx.In("conv1"), x, width, 3, stride, false)
		x = cfg.bnReluConv(ctx.In("conv2"), x, width, 3, 1, true)
	case Bottleneck:
		x = cfg.bnReluConv(ctx.In("conv1"), x, width, 1, 1, false)
		x = cfg.bnReluConv(ctx.In("conv2"), x, width, 3, stride, false)
		x = cfg.bnReluConv(ctx.In("conv3"), x, outChannels, 1, 1, true)
	}
	return Add(x, identity)
}

// stage builds one residual stage: blockCount residual blocks at the stage's
// width, the first carrying the stage stride (and shortcut projection, when
// needed).
func (cfg *Config) stage(ctx *context.Context, x *Node, stageIdx, blockCount int) *Node {
	width := stageWidths[stageIdx]
	stride := stageStrides[stageIdx]
	for blockIdx := range blockCount {
		blockStride := 1
		if blockIdx == 0 {
			blockStride = stride
		}
		x = cfg.residualBlock(ctx.Inf("block_%d", blockIdx), x, width, blockStride)
		if cfg.withAliases {
			x.WithAlias(fmt.Sprintf("stage_%d/block_%d/output", stageIdx+1, blockIdx))
		}
	}
	return x
}
