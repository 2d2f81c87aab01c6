// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xresnet

import (
	"path"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/xresnet/downloader"
	"github.com/pkg/errors"
)

// Pretrained ImageNet weights, packaged as GoMLX checkpoint directories, one
// tar.gz archive per variant. Only XResNet34 and XResNet50 have published
// weights.
var weightsURLs = map[Variant]string{
	XResNet34: "https://github.com/gomlx/xresnet/releases/download/v1.0.0/xresnet34.tar.gz",
	XResNet50: "https://github.com/gomlx/xresnet/releases/download/v1.0.0/xresnet50.tar.gz",
}

// HasWeights reports whether the variant has published pretrained ImageNet
// weights.
func HasWeights(variant Variant) bool {
	_, found := weightsURLs[variant]
	return found
}

// WeightsDir returns the directory under baseDir holding the unpacked
// checkpoint of the variant's pretrained weights.
func WeightsDir(baseDir string, variant Variant) string {
	return path.Join(baseDir, variant.String())
}

// DownloadWeights downloads and unpacks the pretrained ImageNet weights of
// the variant under baseDir, if they are not there already. It returns an
// error for variants without published weights, see HasWeights.
func DownloadWeights(variant Variant, baseDir string) error {
	url, found := weightsURLs[variant]
	if !found {
		return errors.Errorf("no pretrained weights published for %s -- only XResNet34 and XResNet50 have them", variant)
	}
	tarFile := variant.String() + ".tar.gz"
	return downloader.DownloadAndUntarIfMissing(url, baseDir, tarFile, variant.String(), "")
}

// LoadWeights loads the pretrained ImageNet weights of the variant from
// baseDir (see DownloadWeights) into ctx's current scope: after it returns,
// building the model on the same scope reuses the loaded variables instead of
// initializing new ones. Config.PreTrained calls it for you.
func LoadWeights(ctx *context.Context, variant Variant, baseDir string) error {
	if !HasWeights(variant) {
		return errors.Errorf("no pretrained weights published for %s -- only XResNet34 and XResNet50 have them", variant)
	}

	// The checkpoint is loaded into a throw-away context, and its variables
	// copied into ctx's scope: this allows building the model at any scope,
	// while checkpoints always store absolute variable scopes.
	loadCtx := context.New()
	_, err := checkpoints.Load(loadCtx).
		Dir(WeightsDir(baseDir, variant)).
		ExcludeAllParams().
		Immediate().
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load %s checkpoint from %q", variant, baseDir)
	}

	buildScope := ctx.Scope()
	for v := range loadCtx.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "failed to read variable %q from %s checkpoint", v.ScopeAndName(), variant)
		}
		scope := v.Scope()
		if buildScope != context.RootScope {
			scope = buildScope + scope
		}
		_ = ctx.InAbsPath(scope).Checked(false).VariableWithValue(v.Name(), value)
	}
	return nil
}
