package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvr-ai/kuzushiji/backbone"
	"github.com/nvr-ai/kuzushiji/classifier"
	"github.com/nvr-ai/kuzushiji/config"
	"github.com/nvr-ai/kuzushiji/images"
	"github.com/nvr-ai/kuzushiji/labels"
	"github.com/nvr-ai/kuzushiji/profiler"
	"github.com/nvr-ai/kuzushiji/roi"
	"github.com/nvr-ai/kuzushiji/weights"
)

var (
	imagePath    string
	boxesPath    string
	annotatePath string
	pagesPath    string
	imagesDir    string
	outPath      string
	topK         int
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify the character boxes of a page or a page table",
	Long: `classify reads a page image and a label file of "U+XXXX x y w h" groups,
classifies every box, and prints a "U+XXXX cx cy" submission row.

With --pages it reads an "image_id,labels" table instead, looks up each page
as <images-dir>/<image_id>.jpg, and writes an "image_id,labels" submission.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if topK > 0 {
			cfg.Runtime.TopK = topK
		}
		if pagesPath == "" && (imagePath == "" || boxesPath == "") {
			return fmt.Errorf("either --image and --boxes or --pages is required")
		}

		ctx := cmd.Context()
		timeout, err := cfg.RunTimeout()
		if err != nil {
			return err
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		runLogger := logger.With(zap.String("run_id", uuid.NewString()))
		model, prof, err := loadModel(cfg, runLogger)
		if err != nil {
			return err
		}
		defer model.Close()
		defer func() {
			prof.Stop()
			prof.Report()
		}()

		if pagesPath != "" {
			return classifyTable(ctx, model, cfg, runLogger)
		}

		pageLabels, err := loadLabels(boxesPath)
		if err != nil {
			return err
		}
		var row string
		if annotatePath != "" {
			row, err = annotatePage(ctx, model, cfg, runLogger, imagePath, annotatePath, pageLabels)
		} else {
			var page image.Image
			if page, err = loadPage(imagePath); err == nil {
				row, _, err = classifyPage(ctx, model, cfg, runLogger, imagePath, page, pageLabels)
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), row)
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&imagePath, "image", "i", "", "page image (jpeg or png)")
	classifyCmd.Flags().StringVarP(&boxesPath, "boxes", "b", "", "label file with \"U+XXXX x y w h\" groups")
	classifyCmd.Flags().StringVarP(&annotatePath, "annotate", "a", "", "write the page with predicted codes to this path")
	classifyCmd.Flags().StringVarP(&pagesPath, "pages", "p", "", "image_id,labels table to classify")
	classifyCmd.Flags().StringVarP(&imagesDir, "images-dir", "d", ".", "directory holding the pages of --pages")
	classifyCmd.Flags().StringVarP(&outPath, "out", "o", "submission.csv", "submission written for --pages")
	classifyCmd.Flags().IntVarP(&topK, "top-k", "k", 0, "candidates to log per box (overrides runtime.top_k)")
}

// classifyTable classifies every page of an image_id,labels table and writes a submission.
func classifyTable(ctx context.Context, model *classifier.Model, cfg *config.Config, logger *zap.Logger) error {
	f, err := os.Open(pagesPath)
	if err != nil {
		return fmt.Errorf("failed to open pages: %w", err)
	}
	pages, err := labels.ReadPages(f)
	f.Close()
	if err != nil {
		return err
	}

	rows := make([]labels.Row, 0, len(pages))
	for _, page := range pages {
		path, err := pagePath(imagesDir, page.ImageID)
		if err != nil {
			return err
		}
		img, err := loadPage(path)
		if err != nil {
			return fmt.Errorf("page %s: %w", page.ImageID, err)
		}
		row, _, err := classifyPage(ctx, model, cfg, logger.With(zap.String("image_id", page.ImageID)), path, img, page.Labels)
		if err != nil {
			return fmt.Errorf("page %s: %w", page.ImageID, err)
		}
		rows = append(rows, labels.Row{ImageID: page.ImageID, Labels: row})
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	defer out.Close()
	if err := labels.WriteSubmission(out, rows); err != nil {
		return fmt.Errorf("failed to write submission: %w", err)
	}
	logger.Info("submission written", zap.String("path", outPath), zap.Int("pages", len(rows)))
	return nil
}

// classifyPage classifies the labelled boxes of one decoded page.
//
// Arguments:
//   - path: The page file, used for logging.
//   - page: The decoded page.
//
// Returns:
//   - string: The "U+XXXX cx cy" submission row in page coordinates.
//   - []string: The predicted code per box.
//   - error: If the page cannot be classified.
func classifyPage(
	ctx context.Context,
	model *classifier.Model,
	cfg *config.Config,
	logger *zap.Logger,
	path string,
	page image.Image,
	pageLabels []labels.Label,
) (string, []string, error) {
	resized, scale := images.FitWithin(page, cfg.Preprocess.MaxSide)
	input, err := images.ToTensor([]image.Image{resized}, cfg.Preprocess.Normalization)
	if err != nil {
		return "", nil, err
	}
	pageBoxes := labels.Boxes(pageLabels, 0)

	logger.Info("page loaded",
		zap.String("image", path),
		zap.Int("boxes", len(pageBoxes)),
		zap.Float64("scale", scale),
		zap.Ints("input", input.Shape()),
	)

	preds, err := model.Predict(ctx, classifier.Input{Images: input, RoIs: scaleBoxes(pageBoxes, scale)}, cfg.Runtime.TopK)
	if err != nil {
		return "", nil, fmt.Errorf("classification failed: %w", err)
	}

	codes := make([]string, len(preds))
	for i, p := range preds {
		codes[i] = codeOf(p.Best())
		logger.Debug("prediction",
			zap.Stringer("box", pageBoxes[i]),
			zap.Any("candidates", p.Candidates),
		)
	}

	row, err := labels.FormatSubmission(codes, pageBoxes)
	if err != nil {
		return "", nil, err
	}
	return row, codes, nil
}

// loadModel builds the classifier described by cfg. The returned profiler is
// nil unless runtime.profile is set.
func loadModel(cfg *config.Config, logger *zap.Logger) (*classifier.Model, *profiler.Profiler, error) {
	params, err := weights.LoadHead(cfg.WeightsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load head weights: %w", err)
	}

	opts := []classifier.Option{classifier.WithLogger(logger)}
	if cfg.ClassesPath != "" {
		classes, err := labels.LoadClassesFile(cfg.ClassesPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, classifier.WithClasses(classes))
	}

	var prof *profiler.Profiler
	if cfg.Runtime.Profile {
		prof = profiler.New(profiler.Options{Logger: logger})
		prof.Start()
		opts = append(opts, classifier.WithProfiler(prof))
	}

	bbCfg := cfg.Backbone
	bbCfg.Variant = cfg.Model.Base
	extractor, err := backbone.NewONNX(bbCfg, logger)
	if err != nil {
		prof.Stop()
		return nil, nil, err
	}

	model, err := classifier.BuildModel(extractor, cfg.Model, params, opts...)
	if err != nil {
		_ = extractor.Close()
		prof.Stop()
		return nil, nil, err
	}
	return model, prof, nil
}

// pagePath finds the image of a page id inside dir.
func pagePath(dir, imageID string) (string, error) {
	for _, ext := range []string{".jpg", ".jpeg", ".png"} {
		path := filepath.Join(dir, imageID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no image for page %s in %s", imageID, dir)
}

func loadPage(path string) (image.Image, error) {
	raw, err := images.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return images.Decode(raw)
}

func loadLabels(path string) ([]labels.Label, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boxes: %w", err)
	}
	return labels.ParseLabels(strings.TrimSpace(string(data)))
}

// scaleBoxes maps page boxes onto a resized page.
func scaleBoxes(boxes []roi.Box, scale float64) []roi.Box {
	if scale == 1 {
		return boxes
	}
	out := make([]roi.Box, len(boxes))
	for i, b := range boxes {
		out[i] = b.Scale(float32(scale))
	}
	return out
}

// codeOf returns the candidate's code, or its class index when no table is loaded.
func codeOf(c classifier.Candidate) string {
	if c.Code != "" {
		return c.Code
	}
	return fmt.Sprintf("%d", c.Index)
}

// annotatePage decodes src once through OpenCV, classifies it, and writes the
// page to dst with each box and its predicted code drawn on.
func annotatePage(
	ctx context.Context,
	model *classifier.Model,
	cfg *config.Config,
	logger *zap.Logger,
	src, dst string,
	pageLabels []labels.Label,
) (string, error) {
	mat, err := images.ReadMat(src)
	if err != nil {
		return "", err
	}
	defer mat.Close()

	page, err := images.FromMat(mat)
	if err != nil {
		return "", err
	}
	row, codes, err := classifyPage(ctx, model, cfg, logger, src, page, pageLabels)
	if err != nil {
		return "", err
	}

	images.Annotate(&mat, labels.Boxes(pageLabels, 0), codes)
	if err := images.WriteMat(dst, mat); err != nil {
		return "", err
	}
	logger.Info("annotated page written", zap.String("path", dst))
	return row, nil
}
