// Command tracejit compiles trace descriptors against decoded method listings
// and reports what was installed.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/config"
	"github.com/ascrivener/tracejit/pkg/jit"
	"github.com/ascrivener/tracejit/pkg/metrics"
	"github.com/ascrivener/tracejit/pkg/profile"
	"github.com/ascrivener/tracejit/pkg/service"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/urfave/cli/v2"
)

var (
	traceFlag = &cli.StringFlag{
		Name:  "trace",
		Usage: "Trace descriptors (JSON); the first argument is used when unset",
	}
	listingFlag = &cli.StringFlag{
		Name:     "listing",
		Usage:    "Decoded method listings (JSON)",
		Required: true,
	}
	resolverFlag = &cli.StringFlag{
		Name:  "resolver",
		Usage: "Resolved constant pool and method table (JSON)",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Compiler configuration (TOML)",
	}
	targetFlag = &cli.StringFlag{
		Name:  "target",
		Usage: "Code generator: risc32, risc32-softfp or amd64",
	}
	profileFlag = &cli.StringFlag{
		Name:  "profile",
		Usage: "Compile log directory",
	}
	selfVerifyFlag = &cli.BoolFlag{
		Name:  "self-verify",
		Usage: "Emit self-verification code around memory operations",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Serve prometheus metrics on this address after the batch and wait for an interrupt",
	}
	dbFlag = &cli.StringFlag{
		Name:     "db",
		Usage:    "Compile log directory to replay",
		Required: true,
	}

	commonFlags = []cli.Flag{traceFlag, listingFlag, resolverFlag, configFlag, targetFlag, selfVerifyFlag}

	compileCommand = &cli.Command{
		Action:    compileTraces,
		Name:      "compile",
		Usage:     "Compile the traces of a descriptor file",
		ArgsUsage: "[descriptors.json]",
		Flags:     append(commonFlags, profileFlag),
	}
	batchCommand = &cli.Command{
		Action:    batchTraces,
		Name:      "batch",
		Usage:     "Compile every descriptor file in a directory concurrently",
		ArgsUsage: "<dir>",
		Flags:     append(commonFlags, profileFlag, metricsAddrFlag),
	}
	inspectCommand = &cli.Command{
		Action:    inspectTraces,
		Name:      "inspect",
		Usage:     "Print the lowered code and chaining cells of each trace",
		ArgsUsage: "[descriptors.json]",
		Flags:     commonFlags,
	}
	replayCommand = &cli.Command{
		Action: replayLog,
		Name:   "replay",
		Usage:  "Recompile every logged trace and compare it with the log",
		Flags:  append(commonFlags, dbFlag),
	}
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	app := &cli.App{
		Name:     "tracejit",
		Usage:    "trace compiler back end",
		Commands: []*cli.Command{compileCommand, batchCommand, inspectCommand, replayCommand},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(targetFlag.Name) {
		cfg.Target = ctx.String(targetFlag.Name)
	}
	if ctx.IsSet(selfVerifyFlag.Name) {
		cfg.SelfVerify = ctx.Bool(selfVerifyFlag.Name)
	}
	if ctx.IsSet(profileFlag.Name) {
		cfg.ProfilePath = ctx.String(profileFlag.Name)
	}
	return cfg, cfg.Validate()
}

func loadInputs(ctx *cli.Context) (bytecode.Program, trace.Resolver, error) {
	prog, err := bytecode.LoadProgram(ctx.String(listingFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	res := trace.NewStaticResolver()
	if path := ctx.String(resolverFlag.Name); path != "" {
		if res, err = trace.LoadResolver(path); err != nil {
			return nil, nil, err
		}
	}
	return prog, res, nil
}

func newService(ctx *cli.Context, opts ...service.Option) (*service.Service, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	prog, res, err := loadInputs(ctx)
	if err != nil {
		return nil, err
	}
	return service.New(cfg, prog, res, opts...)
}

func descriptorArg(ctx *cli.Context) ([]*trace.Descriptor, error) {
	if path := ctx.String(traceFlag.Name); path != "" {
		return trace.LoadDescriptors(path)
	}
	if ctx.NArg() != 1 {
		return nil, fmt.Errorf("expected one descriptor file, got %d arguments", ctx.NArg())
	}
	return trace.LoadDescriptors(ctx.Args().First())
}

func printTranslation(tr *service.Translation) {
	var cells []string
	for k, n := range tr.CellCounts {
		if n > 0 {
			cells = append(cells, fmt.Sprintf("%s=%d", chain.Kind(k), n))
		}
	}
	fmt.Printf("%s %s entry=%#x size=%d cells[%s] pcr=%d loop=%v recompiled=%v\n",
		tr.Fingerprint.Short(), tr.Descriptor, tr.Entry, tr.CodeSize,
		strings.Join(cells, " "), len(tr.PCRecords), tr.LoopMode, tr.Recompiled)
}

func compileTraces(ctx *cli.Context) error {
	descs, err := descriptorArg(ctx)
	if err != nil {
		return err
	}
	s, err := newService(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	failed := 0
	for _, d := range descs {
		tr, err := s.Compile(ctx.Context, d)
		if err != nil {
			fmt.Printf("%s %s: %v\n", d.Fingerprint().Short(), d, err)
			failed++
			continue
		}
		printTranslation(tr)
	}
	st := s.Stats()
	log.Printf("[tracejit] %d compiled, %d failed, %d chained, %d bytes used", st.Compiled, failed, st.Chained, st.CodeUsed)
	return nil
}

func batchTraces(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected a directory, got %d arguments", ctx.NArg())
	}
	files, err := filepath.Glob(filepath.Join(ctx.Args().First(), "*.json"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	var descs []*trace.Descriptor
	for _, f := range files {
		ds, err := trace.LoadDescriptors(f)
		if err != nil {
			return err
		}
		descs = append(descs, ds...)
	}

	m := metrics.New()
	s, err := newService(ctx, service.WithMetrics(m))
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.CompileBatch(ctx.Context, descs)
	if err != nil {
		return err
	}
	for _, tr := range out {
		printTranslation(tr)
	}
	st := s.Stats()
	log.Printf("[tracejit] %d requests from %d files: %d compiled, %d cached, %d coalesced, %d chained",
		st.Requests, len(files), st.Compiled, st.CacheHits, st.Coalesced, st.Chained)

	addr := ctx.String(metricsAddrFlag.Name)
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[tracejit] metrics server: %v", err)
		}
	}()
	log.Printf("[tracejit] serving metrics on %s", addr)
	sig, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sig.Done()
	return srv.Shutdown(context.Background())
}

func inspectTraces(ctx *cli.Context) error {
	descs, err := descriptorArg(ctx)
	if err != nil {
		return err
	}
	s, err := newService(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, d := range descs {
		fmt.Printf("== %s %s\n", d.Fingerprint().Short(), d)
		cu, err := s.Compiler().Lower(d)
		if err != nil {
			fmt.Printf("   %v\n", err)
			continue
		}
		for _, line := range jit.Disassemble(cu) {
			fmt.Println(line)
		}
		tr, err := s.Compile(ctx.Context, d)
		if err != nil {
			fmt.Printf("   %v\n", err)
			continue
		}
		printTranslation(tr)
		for _, ref := range tr.Cells {
			cell, err := s.Registry().Snapshot(ref.Addr)
			if err != nil {
				return err
			}
			fmt.Printf("   %s\n", cell)
		}
		for _, pcr := range tr.PCRecords {
			fmt.Printf("   resume %#x at +%#x\n", pcr.Offset, pcr.CodeOffset)
		}
	}
	return nil
}

func replayLog(ctx *cli.Context) error {
	store, err := profile.Open(ctx.String(dbFlag.Name))
	if err != nil {
		return err
	}
	defer store.Close()
	recs, err := store.Records()
	if err != nil {
		return err
	}

	s, err := newService(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	mismatches := 0
	for _, rec := range recs {
		if rec.Target != s.Target().Name {
			log.Printf("[tracejit] %s: logged for %s, skipping", rec.Fingerprint.Short(), rec.Target)
			continue
		}
		tr, err := s.Compile(ctx.Context, rec.Descriptor)
		switch {
		case err != nil && rec.Installed:
			fmt.Printf("%s now fails: %v\n", rec, err)
			mismatches++
		case err != nil:
			fmt.Printf("%s still fails: %v\n", rec, err)
		case !rec.Installed:
			fmt.Printf("%s now compiles to %d bytes\n", rec, tr.CodeSize)
			mismatches++
		case tr.CodeSize != rec.CodeSize || tr.CellCounts != rec.CellCounts:
			fmt.Printf("%s now %d bytes %v\n", rec, tr.CodeSize, tr.CellCounts)
			mismatches++
		default:
			same := profile.Digest(s.Cache().GetBytes(tr.Fragment.Start, tr.CodeSize)) == rec.CodeDigest
			fmt.Printf("%s matches, identical image %v\n", rec, same)
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d of %d logged traces changed", mismatches, len(recs))
	}
	return nil
}
