package commands

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/thesyncim/hwenc"
)

var (
	// Access these variables only from a main package:

	Root = &cobra.Command{
		Use: "hwencctl",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			l := logger.FromCtx(ctx).WithLevel(LoggerLevel)
			ctx = logger.CtxWithLogger(ctx, l)
			cmd.SetContext(ctx)
			logger.Debugf(ctx, "log-level: %v", LoggerLevel)

			metricsAddr, err := cmd.Flags().GetString("metrics-addr")
			if err != nil {
				l.Errorf("unable to get the value of the flag 'metrics-addr': %v", err)
			}
			if metricsAddr != "" {
				http.Handle("/metrics", promhttp.Handler())
				go func() {
					l.Infof("starting to listen for metrics and net/pprof requests at '%s'", metricsAddr)
					l.Error(http.ListenAndServe(metricsAddr, nil))
				}()
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			logger.Debug(ctx, "end")
		},
	}

	List = &cobra.Command{
		Use:   "list",
		Short: "list the registered encoder components",
		Args:  cobra.ExactArgs(0),
		Run:   list,
	}

	Params = &cobra.Command{
		Use:   "params <component>",
		Short: "describe the parameters of a component and their supported values",
		Args:  cobra.ExactArgs(1),
		Run:   params,
	}

	Encode = &cobra.Command{
		Use:   "encode [job.yaml]",
		Short: "run an encode job on generated frames",
		Args:  cobra.MaximumNArgs(1),
		Run:   encode,
	}

	JobTemplate = &cobra.Command{
		Use:   "job-template",
		Short: "print a job file with the default values",
		Args:  cobra.ExactArgs(0),
		Run:   jobTemplate,
	}

	LoggerLevel = logger.LevelWarning
)

func init() {
	Root.AddCommand(List)
	Root.AddCommand(Params)
	Root.AddCommand(Encode)
	Root.AddCommand(JobTemplate)

	Root.PersistentFlags().Var(&LoggerLevel, "log-level", "")
	Root.PersistentFlags().String("metrics-addr", "", "address to serve /metrics and net/pprof on")

	Encode.PersistentFlags().Int("frames", 0, "override the number of frames of the job")
	Encode.PersistentFlags().String("out", "", "write the Annex B stream to this file")
	Encode.PersistentFlags().String("rtp", "", "send RTP packets to this UDP address")
	Encode.PersistentFlags().Bool("native", false, "use the native libmedia_h264 surface")
}

func assertNoError(cmd *cobra.Command, err error) {
	if err != nil {
		logger.Panic(cmd.Context(), err)
	}
}

func list(cmd *cobra.Command, args []string) {
	for _, name := range hwenc.ComponentNames() {
		v, ok := hwenc.VariantByName(name)
		if !ok {
			fmt.Println(name)
			continue
		}
		d := v.Defaults()
		fmt.Printf("%s\t%s\t%s %s %d bps\n", name, v.MediaType(), d.Profile, d.Level, d.Bitrate)
		for _, pl := range v.ProfileLevels() {
			fmt.Printf("\t%s up to %s\n", pl.Profile, pl.Level)
		}
	}
	if hwenc.NativeAvailable() {
		fmt.Println("native surface: available")
	}
}

func params(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	comp, err := hwenc.CreateComponent(ctx, args[0], hwenc.DefaultComponentOptions())
	assertNoError(cmd, err)
	defer comp.Release(ctx)

	intf := comp.Intf()
	for _, d := range intf.DescribeSupportedParams() {
		values, err := intf.Query(ctx, []hwenc.ParamIndex{d.Index}, hwenc.MayBlock)
		assertNoError(cmd, err)
		fmt.Printf("%s required=%v persistent=%v current=%+v\n", d.Name, d.Required, d.Persistent, values[0])
		for _, field := range d.Fields {
			sv, err := intf.FieldSupportedValues(d.Index, field)
			assertNoError(cmd, err)
			fmt.Printf("\t%s %s\n", field, sv)
		}
	}
}

func jobTemplate(cmd *cobra.Command, args []string) {
	b, err := hwenc.DefaultEncodeJob().Marshal()
	assertNoError(cmd, err)
	fmt.Print(string(b))
}

func encode(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	job := hwenc.DefaultEncodeJob()
	if len(args) == 1 {
		var err error
		job, err = hwenc.LoadEncodeJob(args[0])
		assertNoError(cmd, err)
	}
	frames, err := cmd.Flags().GetInt("frames")
	assertNoError(cmd, err)
	if frames > 0 {
		job.Input.Frames = frames
	}
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		job.Output.File = out
	}
	if dst, _ := cmd.Flags().GetString("rtp"); dst != "" {
		job.Output.RTP = dst
	}

	opts := hwenc.DefaultComponentOptions()
	if native, _ := cmd.Flags().GetBool("native"); native {
		opts.Surface = hwenc.NativeSurfaceFactory
	}
	comp, err := hwenc.CreateComponent(ctx, job.Component, opts)
	assertNoError(cmd, err)
	defer func() {
		if err := comp.Release(ctx); err != nil {
			logger.Errorf(ctx, "unable to release %s: %v", comp.Name(), err)
		}
	}()

	if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
		prometheus.MustRegister(hwenc.NewStatsCollector(comp))
	}

	sink, err := newSink(ctx, job, comp.Intf().Variant().Codec())
	assertNoError(cmd, err)
	defer sink.Close()

	stats, err := runJob(ctx, comp, job, sink)
	assertNoError(cmd, err)

	fmt.Fprintf(os.Stdout, "%s: %d frames, %d keyframes, %d bytes\n",
		comp.Name(), stats.FramesEncoded, stats.KeyframesEncoded, stats.BytesEncoded)
}
