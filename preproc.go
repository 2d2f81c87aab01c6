// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xresnet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// MinimumImageSize is the smallest spatial dimension accepted by the model:
// the stem and the strided stages downsample the input 32x before the global
// pooling.
const MinimumImageSize = 32

// ImageNet per-channel statistics (RGB), used to normalize input images the
// same way the pretrained weights were trained.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// PreprocessImage converts a batch of images to the format expected by the
// model:
//
//   - It removes the alpha channel, if one is provided.
//   - If any spatial dimension is smaller than MinimumImageSize, the images
//     are up-scaled, preserving the aspect ratio.
//   - The values are re-scaled from [0, maxValue] to [0, 1] and normalized
//     with the ImageNet per-channel mean and standard deviation, matching the
//     preprocessing the pretrained weights were trained with.
//
// If maxValue <= 0 the value re-scaling and normalization are skipped -- use
// it when training from scratch with your own normalization.
//
// image must be rank-4, with the channels axis given by channelsConfig.
func PreprocessImage(image *Node, maxValue float64, channelsConfig images.ChannelsAxisConfig) *Node {
	if image.Rank() != 4 {
		exceptions.Panicf("xresnet.PreprocessImage: image must be rank-4, got shape %s", image.Shape())
	}

	// Remove alpha-channel, if given.
	shape := image.Shape()
	channelsAxis := images.GetChannelsAxis(image, channelsConfig)
	if shape.Dimensions[channelsAxis] == 4 {
		axesRanges := make([]SliceAxisSpec, image.Rank())
		for ii := range axesRanges {
			if ii == channelsAxis {
				axesRanges[ii] = AxisRange(0, 3)
			} else {
				axesRanges[ii] = AxisRange()
			}
		}
		image = Slice(image, axesRanges...)
	}

	// Up-scale images smaller than the minimum size, preserving aspect ratio.
	spatialAxes := images.GetSpatialAxes(image, channelsConfig)
	upScale := 1.0
	for _, axis := range spatialAxes {
		ratio := float64(MinimumImageSize) / float64(shape.Dimensions[axis])
		if ratio > upScale {
			upScale = ratio
		}
	}
	if upScale > 1.0 {
		newDims := image.Shape().Clone().Dimensions
		for _, axis := range spatialAxes {
			newSize := int(math.Round(float64(shape.Dimensions[axis]) * upScale))
			if newSize < MinimumImageSize {
				newSize = MinimumImageSize
			}
			newDims[axis] = newSize
		}
		image = Interpolate(image, newDims...).Done()
	}

	if maxValue > 0 {
		if maxValue != 1.0 {
			image = MulScalar(image, 1.0/maxValue)
		}
		image = NormalizeImageNet(image, channelsConfig)
	}
	return image
}

// NormalizeImageNet normalizes an image with values in [0, 1] using the
// ImageNet per-channel mean and standard deviation. The image must have 3
// channels (RGB).
func NormalizeImageNet(image *Node, channelsConfig images.ChannelsAxisConfig) *Node {
	g := image.Graph()
	dtype := image.DType()
	channelsAxis := images.GetChannelsAxis(image, channelsConfig)
	if image.Shape().Dimensions[channelsAxis] != 3 {
		exceptions.Panicf("xresnet.NormalizeImageNet: image must have 3 channels, got shape %s", image.Shape())
	}
	broadcastDims := xslices.SliceWithValue(image.Rank(), 1)
	broadcastDims[channelsAxis] = 3
	mean := ConvertDType(Const(g, ImageNetMean[:]), dtype)
	mean = Reshape(mean, broadcastDims...)
	stddev := ConvertDType(Const(g, ImageNetStd[:]), dtype)
	stddev = Reshape(stddev, broadcastDims...)
	return Div(Sub(image, mean), stddev)
}
