// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves an XResNet model for inference: it loads the
// pretrained weights, compiles the model once, and offers Classify /
// ClassifyTopK methods that take any image.Image.
//
// This is an example of how to serve a model for inference -- for training or
// feature extraction use the xresnet package directly.
package classifier

import (
	"image"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/xresnet"
	"github.com/pkg/errors"
)

// Classifier holds an XResNet model compiled for inference.
// It will use XLA with GPU if available or CPU by default. But the backend can
// be configured with GOMLX_BACKEND.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec runs preprocessing, the model and the softmax, returning the
	// per-class probabilities.
	exec *context.Exec

	labels []string
}

// Prediction is one entry of the ranking returned by Classifier.ClassifyTopK.
type Prediction struct {
	// Class index, in [0, numClasses).
	Class int32

	// Label of the class, if the Classifier was created with labels, otherwise
	// empty.
	Label string

	// Probability assigned to the class (softmax of the logits).
	Probability float32
}

// New creates a Classifier for the given variant.
//
// If weightsBaseDir is not empty, the pretrained ImageNet weights are
// downloaded (if needed) and loaded from it -- see xresnet.HasWeights for the
// variants with published weights. An empty weightsBaseDir yields a randomly
// initialized model, only useful for testing.
//
// labels are optional class names, indexed by class; when given, they define
// the number of classes of the model, otherwise it defaults to the 1000
// ImageNet classes.
func New(variant xresnet.Variant, weightsBaseDir string, labels []string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
		labels:  labels,
	}
	numClasses := 1000
	if len(labels) > 0 {
		numClasses = len(labels)
	}
	if weightsBaseDir != "" {
		if err := xresnet.DownloadWeights(variant, weightsBaseDir); err != nil {
			return nil, errors.WithMessagef(err, "failed to fetch %s weights", variant)
		}
	}

	c.exec, err = context.NewExec(c.backend, c.ctx.In("model"),
		func(ctx *context.Context, img *graph.Node) *graph.Node {
			img = graph.ExpandAxes(img, 0) // Create a batch dimension of size 1.
			img = xresnet.PreprocessImage(img, 1.0, images.ChannelsLast)
			model := xresnet.BuildGraph(ctx, img).
				Variant(variant).
				NumClasses(numClasses).
				Trainable(false)
			if weightsBaseDir != "" {
				model = model.PreTrained(weightsBaseDir)
			}
			logits := model.Done()
			probabilities := graph.Softmax(logits, -1)
			// Remove batch dimension.
			return graph.Reshape(probabilities, numClasses)
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile %s for inference", variant)
	}
	return c, nil
}

// Classify returns the class with the highest probability for the image. The
// image is resized to the model's input size (224x224) first.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	probabilities, err := c.probabilities(img)
	if err != nil {
		return 0, err
	}
	best := int32(0)
	for ii, p := range probabilities {
		if p > probabilities[best] {
			best = int32(ii)
		}
	}
	return best, nil
}

// ClassifyTopK returns the k classes with the highest probabilities for the
// image, most probable first.
func (c *Classifier) ClassifyTopK(img image.Image, k int) ([]Prediction, error) {
	probabilities, err := c.probabilities(img)
	if err != nil {
		return nil, err
	}
	if k > len(probabilities) {
		k = len(probabilities)
	}
	predictions := make([]Prediction, len(probabilities))
	for ii, p := range probabilities {
		predictions[ii] = Prediction{Class: int32(ii), Probability: p}
		if ii < len(c.labels) {
			predictions[ii].Label = c.labels[ii]
		}
	}
	sort.Slice(predictions, func(i, j int) bool {
		return predictions[i].Probability > predictions[j].Probability
	})
	return predictions[:k], nil
}

// probabilities runs the model on the image and returns the per-class
// probabilities as a Go slice.
func (c *Classifier) probabilities(img image.Image) ([]float32, error) {
	img = imaging.Resize(img, xresnet.ClassificationImageSize, xresnet.ClassificationImageSize, imaging.Lanczos)
	input := images.ToTensor(dtypes.Float32).Single(img)
	var output *tensors.Tensor
	err := exceptions.TryCatch[error](func() { output = c.exec.MustExec1(input) })
	if err != nil {
		return nil, err
	}
	var probabilities []float32
	err = tensors.ConstFlatData(output, func(flat []float32) {
		probabilities = append(probabilities, flat...)
	})
	if err != nil {
		return nil, err
	}
	return probabilities, nil
}
