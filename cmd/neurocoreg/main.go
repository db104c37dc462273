package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	nlog "neurocoreg/internal/log"
	"neurocoreg/internal/models"
	"neurocoreg/pkg/config"
	"neurocoreg/pkg/fit"
	"neurocoreg/pkg/frames"
	"neurocoreg/pkg/registration"
	"neurocoreg/pkg/transforms"
	"neurocoreg/pkg/visualization"
	"neurocoreg/pkg/warp"
)

const usage = `usage: neurocoreg <command> [flags]

commands:
  fit       fit a rigid or similarity transform between matched points
  warp      warp points with a spherical surface warp between two head shapes
  pipeline  validate a registration step list
  register  register two volumes and optionally carry a montage along
  config    write the default configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "fit":
		err = runFit(args)
	case "warp":
		err = runWarp(args)
	case "pipeline":
		err = runPipeline(args)
	case "register":
		err = runRegister(args)
	case "config":
		err = runConfig(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

// loadConfig reads the config file and installs the logger it asks for.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Output.Verbose {
		nlog.Init(cfg.Output.LogLevel)
	} else {
		nlog.Init("warn")
	}
	return cfg, nil
}

func banner(title string) {
	fmt.Println("================================")
	fmt.Println(title)
	fmt.Println("================================")
}

func runFit(args []string) error {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "Configuration file")
	src := fs.String("src", "", "YAML points to move")
	dst := fs.String("dst", "", "YAML points to match, same order as -src")
	scale := fs.Bool("scale", false, "Also fit a uniform scale (overrides fit.scale)")
	out := fs.String("output", "trans.yaml", "Output transform file")
	fs.Parse(args)

	if *src == "" || *dst == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	from, fromFrame, err := loadPoints(*src)
	if err != nil {
		return err
	}
	to, toFrame, err := loadPoints(*dst)
	if err != nil {
		return err
	}

	banner("MATCHED POINT FIT")
	res, err := fit.MatchedPoints(from, to, nil, *scale || cfg.Fit.Scale)
	if err != nil {
		return err
	}
	t := transforms.FromAffine(fromFrame, toFrame, res.Affine())
	fmt.Println(t)
	fmt.Printf("Scale: %.6f\n", res.Scale)

	var sum float64
	moved := transforms.Apply(t, from, true)
	for i := range moved {
		sum += r3.Norm2(r3.Sub(moved[i], to[i]))
	}
	if len(moved) > 0 {
		fmt.Printf("RMS residual: %.6g\n", math.Sqrt(sum/float64(len(moved))))
	}

	if err := transforms.Save(*out, t); err != nil {
		return err
	}
	fmt.Printf("Transform saved to: %s\n", *out)
	return nil
}

func runWarp(args []string) error {
	fs := flag.NewFlagSet("warp", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "Configuration file")
	src := fs.String("src", "", "YAML source head shape")
	dst := fs.String("dst", "", "YAML destination head shape")
	pts := fs.String("points", "", "YAML points to warp (defaults to -src)")
	out := fs.String("output", "warped.yaml", "Output points file")
	fs.Parse(args)

	if *src == "" || *dst == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	source, _, err := loadPoints(*src)
	if err != nil {
		return err
	}
	dest, destFrame, err := loadPoints(*dst)
	if err != nil {
		return err
	}
	query := source
	if *pts != "" {
		if query, _, err = loadPoints(*pts); err != nil {
			return err
		}
	}

	banner("SPHERICAL SURFACE WARP")
	w := warp.NewSphericalSurfaceWarp(nil)
	if err := w.Fit(source, dest, cfg.SurfaceFitOptions()); err != nil {
		return err
	}
	fmt.Println(w)
	warped, err := w.Transform(query)
	if err != nil {
		return err
	}
	if err := savePoints(*out, warped, destFrame); err != nil {
		return err
	}
	fmt.Printf("Warped %d points saved to: %s\n", len(warped), *out)
	return nil
}

func runPipeline(args []string) error {
	fs := flag.NewFlagSet("pipeline", flag.ExitOnError)
	steps := fs.String("steps", "all", `Preset ("all", "rigids", "affines") or comma separated steps`)
	fs.Parse(args)

	parsed, err := registration.ParsePipeline(*steps)
	if err != nil {
		return err
	}
	names := make([]string, len(parsed))
	for i, s := range parsed {
		names[i] = string(s)
	}
	fmt.Printf("Pipeline OK: %s\n", strings.Join(names, " -> "))
	return nil
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "Configuration file")
	movingPath := fs.String("moving", "", "YAML moving volume")
	staticPath := fs.String("static", "", "YAML static volume")
	pipeline := fs.String("pipeline", "", "Override registration.pipeline")
	metric := fs.String("metric", "", `Override registration.metric ("mi" or "ncc")`)
	out := fs.String("output", "reg.yaml", "Output registration affine (static RAS -> moving RAS)")
	resampled := fs.String("resampled", "", "Write the moving volume resampled onto the static grid")
	montagePath := fs.String("montage", "", "YAML montage to carry from moving to static")
	headMRIPath := fs.String("head-mri", "", "head<->mri transform of the moving subject")
	montageOut := fs.String("montage-output", "montage_registered.yaml", "Output montage file")
	fs.Parse(args)

	if *movingPath == "" || *staticPath == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *pipeline != "" {
		cfg.Registration.Pipeline = *pipeline
	}
	if *metric != "" {
		cfg.Registration.Metric = *metric
	}
	opts, err := cfg.RegistrationOptions()
	if err != nil {
		return err
	}
	in, err := registration.ParseInterp(cfg.Registration.Interpolation)
	if err != nil {
		return err
	}
	cval, err := cfg.CValue()
	if err != nil {
		return err
	}
	moving, err := loadVolume(*movingPath)
	if err != nil {
		return err
	}
	static, err := loadVolume(*staticPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	banner("VOLUME REGISTRATION")
	startTime := time.Now()
	res, err := registration.ComputeVolumeRegistration(ctx, moving, static, opts)
	if err != nil {
		return err
	}
	fmt.Printf("\nRegistration completed in %.2f seconds\n", time.Since(startTime).Seconds())
	for _, r := range res.Reports {
		fmt.Printf("- %-11s R²=%.1f%%  NCC=%.3f  MI=%.3f  RMSE=%.4f", r.Step, r.Metrics.R2, r.Metrics.NCC, r.Metrics.MI, r.Metrics.RMSE)
		if r.Step == registration.StepTranslation || r.Step == registration.StepRigid {
			fmt.Printf("  translation=%.1f mm  rotation=%.1f°", r.Translation, r.Rotation)
		}
		fmt.Println()
	}
	if err := transforms.Save(*out, transforms.FromAffine(frames.RAS, frames.RAS, res.Affine)); err != nil {
		return err
	}
	fmt.Printf("Affine saved to: %s\n", *out)

	if *resampled != "" || cfg.Output.SlicesDir != "" {
		moved, err := registration.ApplyVolumeRegistration(moving, static, res.Affine, res.SDR, in, cval)
		if err != nil {
			return err
		}
		if *resampled != "" {
			if err := saveVolume(*resampled, moved); err != nil {
				return err
			}
			fmt.Printf("Resampled volume saved to: %s\n", *resampled)
		}
		if cfg.Output.SlicesDir != "" {
			if err := saveSlices(cfg.Output.SlicesDir, moved, static); err != nil {
				return err
			}
		}
	}

	if *montagePath != "" {
		if *headMRIPath == "" {
			return fmt.Errorf("-montage needs -head-mri")
		}
		mont, err := loadMontage(*montagePath)
		if err != nil {
			return err
		}
		headMRI, err := transforms.Load(*headMRIPath)
		if err != nil {
			return err
		}
		moved, native, err := registration.ApplyVolumeRegistrationPoints(mont, headMRI, moving, static, res.Affine, res.SDR)
		if err != nil {
			return err
		}
		if err := saveMontage(*montageOut, moved); err != nil {
			return err
		}
		nativePath := strings.TrimSuffix(*montageOut, filepath.Ext(*montageOut)) + "-trans.yaml"
		if err := transforms.Save(nativePath, native); err != nil {
			return err
		}
		fmt.Printf("Montage saved to: %s\n", *montageOut)
		fmt.Printf("Native head transform saved to: %s\n", nativePath)
	}
	return nil
}

// saveSlices writes grayscale slices of the registered volume plus
// red/green overlays against the static volume along every axis.
func saveSlices(dir string, moved, static *models.Volume) error {
	mv, err := visualization.NewViewer(moved)
	if err != nil {
		return err
	}
	sv, err := visualization.NewViewer(static)
	if err != nil {
		return err
	}
	fmt.Println("\nExtracting registered slices along all axes...")
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, axis)
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := mv.SaveSliceSequence(axis, axisDir); err != nil {
			log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			continue
		}
		if err := visualization.SaveOverlaySequence(mv, sv, axis, axisDir); err != nil {
			log.Printf("Warning: Failed to save %s-axis overlays: %v", axis, err)
		}
	}
	fmt.Println("Slice extraction completed!")
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("output", "config.yaml", "Where to write the default configuration")
	fs.Parse(args)

	if err := config.CreateDefaultConfigFile(*out); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *out)
	return nil
}
