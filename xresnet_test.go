// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xresnet

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

var F32 = dtypes.Float32

func TestVariantProperties(t *testing.T) {
	assert.Equal(t, Basic, XResNet18.BlockType())
	assert.Equal(t, Basic, XResNet34.BlockType())
	assert.Equal(t, Bottleneck, XResNet50.BlockType())
	assert.Equal(t, Bottleneck, XResNet101.BlockType())
	assert.Equal(t, Bottleneck, XResNet152.BlockType())

	assert.Equal(t, 1, Basic.Expansion())
	assert.Equal(t, 4, Bottleneck.Expansion())

	assert.Equal(t, 512, XResNet18.NumFeatures())
	assert.Equal(t, 512, XResNet34.NumFeatures())
	assert.Equal(t, 2048, XResNet50.NumFeatures())
	assert.Equal(t, 2048, XResNet152.NumFeatures())

	assert.Equal(t, [numStages]int{2, 2, 2, 2}, XResNet18.blockCounts())
	assert.Equal(t, [numStages]int{3, 4, 6, 3}, XResNet34.blockCounts())
	assert.Equal(t, [numStages]int{3, 4, 6, 3}, XResNet50.blockCounts())
	assert.Equal(t, [numStages]int{3, 4, 23, 3}, XResNet101.blockCounts())
	assert.Equal(t, [numStages]int{3, 8, 36, 3}, XResNet152.blockCounts())
}

func TestParseVariant(t *testing.T) {
	for _, v := range []Variant{XResNet18, XResNet34, XResNet50, XResNet101, XResNet152} {
		parsed, err := ParseVariant(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}
	_, err := ParseVariant("xresnet1000")
	require.Error(t, err)
}

// testImage returns a deterministic [batch, 32, 32, 3] input batch.
func testImage(g *Graph, batchSize int) *Node {
	images := IotaFull(g, shapes.Make(F32, batchSize, 32, 32, 3))
	return MulScalar(images, 1.0/float64(batchSize*32*32*3))
}

func TestClassificationShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, variant := range []Variant{XResNet18, XResNet50} {
		t.Run(variant.String(), func(t *testing.T) {
			ctx := context.New()
			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				return BuildGraph(ctx, testImage(g, 2)).
					Variant(variant).
					NumClasses(10).
					Done()
			})
			logits := exec.MustExec1()
			require.True(t, logits.Shape().Equal(shapes.Make(F32, 2, 10)),
				"logits shape: want [2 10], got %s", logits.Shape())
		})
	}
}

func TestEmbeddingShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("MeanPooling", func(t *testing.T) {
		ctx := context.New()
		embeddings := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return BuildGraph(ctx, testImage(g, 2)).
				Variant(XResNet18).
				ClassificationTop(false).
				SetPooling(MeanPooling).
				Done()
		})
		require.True(t, embeddings.Shape().Equal(shapes.Make(F32, 2, XResNet18.NumFeatures())),
			"embeddings shape: want [2 512], got %s", embeddings.Shape())
	})

	t.Run("MaxPooling", func(t *testing.T) {
		ctx := context.New()
		embeddings := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return BuildGraph(ctx, testImage(g, 2)).
				Variant(XResNet18).
				ClassificationTop(false).
				SetPooling(MaxPooling).
				Done()
		})
		require.True(t, embeddings.Shape().Equal(shapes.Make(F32, 2, XResNet18.NumFeatures())),
			"embeddings shape: want [2 512], got %s", embeddings.Shape())
	})

	t.Run("NoPooling", func(t *testing.T) {
		ctx := context.New()
		featureMaps := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return BuildGraph(ctx, testImage(g, 2)).
				Variant(XResNet18).
				ClassificationTop(false).
				SetPooling(NoPooling).
				Done()
		})
		// 32x32 inputs are downsampled 32x by the stem and the strided stages.
		require.True(t, featureMaps.Shape().Equal(shapes.Make(F32, 2, 1, 1, XResNet18.NumFeatures())),
			"feature maps shape: want [2 1 1 512], got %s", featureMaps.Shape())
	})
}

func TestZeroGammaInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return BuildGraph(ctx, testImage(g, 1)).
			Variant(XResNet18).
			NumClasses(10).
			Done()
	})
	_ = exec.MustExec1() // Initializes all variables.

	// The batch normalization of the last conv group of each residual block
	// starts with scale zero, the others with scale one.
	requireScale := func(scope string, want float32) {
		v := ctx.GetVariableByScopeAndName(scope, "scale")
		require.NotNilf(t, v, "missing batch normalization scale in scope %q", scope)
		tensors.MustConstFlatData(v.MustValue(), func(flat []float32) {
			for _, value := range flat {
				require.Equalf(t, want, value, "scale in scope %q: want all values == %g", scope, want)
			}
		})
	}
	requireScale("/stage_1/block_0/conv1/batch_normalization", 1)
	requireScale("/stage_1/block_0/conv2/batch_normalization", 0)
	requireScale("/stage_4/block_1/conv2/batch_normalization", 0)
}

func TestVariableReuse(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	build := func(ctx *context.Context, g *Graph) *Node {
		return BuildGraph(ctx, testImage(g, 1)).
			Variant(XResNet18).
			NumClasses(10).
			Done()
	}
	first := context.MustExecOnce(backend, ctx, build)
	numVariables := ctx.NumVariables()
	require.Greater(t, numVariables, 0)

	// A second build on the same scope must reuse the variables, and with the
	// same input it must return the same logits.
	second := context.MustExecOnce(backend, ctx, build)
	assert.Equal(t, numVariables, ctx.NumVariables(), "second build created new variables")
	require.Equal(t, first.Value(), second.Value())
}

func TestDownsampleProjection(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	downsampleVar := func(variant Variant, scope string) *context.Variable {
		ctx := context.New()
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return BuildGraph(ctx, testImage(g, 1)).
				Variant(variant).
				NumClasses(10).
				Done()
		})
		return ctx.InspectVariableIfLoaded(scope, "weights")
	}

	// Stage 1 keeps the stem's 64 channels on Basic blocks: no projection. On
	// Bottleneck blocks the channels expand to 256, so the first block gets one.
	assert.Nil(t, downsampleVar(XResNet18, "/stage_1/block_0/downsample"))
	assert.NotNil(t, downsampleVar(XResNet50, "/stage_1/block_0/downsample"))

	// Stage 2 strides: both block types project.
	assert.NotNil(t, downsampleVar(XResNet18, "/stage_2/block_0/downsample"))
}

func TestAliases(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		logits := BuildGraph(ctx, testImage(g, 2)).
			Variant(XResNet18).
			NumClasses(10).
			WithAliases(true).
			Done()
		for _, alias := range []string{
			"/xresnet/stem/conv_0/output",
			"/xresnet/stage_1/block_0/output",
			"/xresnet/stage_4/block_1/output",
			"/xresnet/embeddings",
			"/xresnet/logits",
		} {
			if g.GetNodeByAlias(alias) == nil {
				exceptions.Panicf("alias %q was not registered", alias)
			}
		}
		embeddings := g.GetNodeByAlias("/xresnet/embeddings")
		return embeddings
	})
	embeddings := exec.MustExec1()
	require.True(t, embeddings.Shape().Equal(shapes.Make(F32, 2, XResNet18.NumFeatures())),
		"embeddings shape: want [2 512], got %s", embeddings.Shape())
}

func TestFrozenVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return BuildGraph(ctx, testImage(g, 1)).
			Variant(XResNet18).
			ClassificationTop(false).
			Trainable(false).
			Done()
	})
	ctx.EnumerateVariables(func(v *context.Variable) {
		assert.Falsef(t, v.Trainable, "variable %q should have been frozen", v.ScopeAndName())
	})
}

func TestInvalidConfigurations(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Rank != 4 input.
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		badImage := IotaFull(g, shapes.Make(F32, 32, 32, 3))
		return BuildGraph(ctx, badImage).Variant(XResNet18).Done()
	})
	require.Panics(t, func() { _ = exec.MustExec1() })

	// Classification top requires mean pooling.
	ctx = context.New()
	exec = context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return BuildGraph(ctx, testImage(g, 1)).
			Variant(XResNet18).
			SetPooling(MaxPooling).
			Done()
	})
	require.Panics(t, func() { _ = exec.MustExec1() })
}
