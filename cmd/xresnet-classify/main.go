// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// xresnet-classify classifies image files with a pretrained XResNet model.
//
// Usage:
//
//	xresnet-classify [--variant=xresnet50] [--labels=imagenet_labels.txt] [--top_k=5] image.jpg [image2.png ...]
//
// On the first run it downloads the pretrained weights under --data. The
// labels file has one class name per line, in class order; without it the
// numeric class indices are printed.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/xresnet"
	"github.com/gomlx/xresnet/classifier"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagVariant = flag.String("variant", xresnet.XResNet50.String(),
		"XResNet variant to use: xresnet18, xresnet34, xresnet50, xresnet101 or xresnet152. "+
			"Pretrained weights are only published for xresnet34 and xresnet50.")
	flagDataDir = flag.String("data", "~/.cache/gomlx/xresnet",
		"Directory to cache the downloaded pretrained weights.")
	flagLabels = flag.String("labels", "",
		"Optional file with one class name per line, in class order.")
	flagTopK = flag.Int("top_k", 5, "Number of top classes to print per image.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...] <image files...>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	variant := must.M1(xresnet.ParseVariant(*flagVariant))
	var labels []string
	if *flagLabels != "" {
		contents := must.M1(os.ReadFile(*flagLabels))
		labels = strings.Split(strings.TrimRight(string(contents), "\n"), "\n")
	}

	c := must.M1(classifier.New(variant, *flagDataDir, labels))
	for _, imagePath := range flag.Args() {
		classifyFile(c, imagePath)
	}
}

func classifyFile(c *classifier.Classifier, imagePath string) {
	f := must.M1(os.Open(imagePath))
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		klog.Errorf("Failed to decode image %q: %+v", imagePath, err)
		return
	}

	predictions := must.M1(c.ClassifyTopK(img, *flagTopK))
	fmt.Printf("%s:\n", imagePath)
	for _, p := range predictions {
		name := p.Label
		if name == "" {
			name = fmt.Sprintf("class %d", p.Class)
		}
		fmt.Printf("\t%5.1f%%  %s\n", 100*p.Probability, name)
	}
}
