// Package fetch implements the "fetch" subcommand: resolve a list of
// resource descriptors against the disk cache, downloading whatever
// isn't already current, and report what landed where. It is grounded
// on the teacher's cmd/download, wired to the Tracker/Scheduler/
// Downloader trio instead of the teacher's CAS/asset/prefetcher stack.
package fetch

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/tweag/resourcetracker/api"
	"github.com/tweag/resourcetracker/cachestore"
	"github.com/tweag/resourcetracker/cmd/internal/cmdhelper"
	"github.com/tweag/resourcetracker/downloader"
	"github.com/tweag/resourcetracker/integrity"
	"github.com/tweag/resourcetracker/internal/logging"
	"github.com/tweag/resourcetracker/pack200"
	"github.com/tweag/resourcetracker/resource"
	"github.com/tweag/resourcetracker/runtimeenv"
	"github.com/tweag/resourcetracker/scheduler"
	"github.com/tweag/resourcetracker/tracker"
	"github.com/tweag/resourcetracker/urlprober"
)

func Run(ctx context.Context, args []string) {
	var gc bool
	var integritySRI string
	var policyName string
	var timeoutSeconds int

	flagSet := flag.NewFlagSet("fetch", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Fetches resources into the disk cache.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: resourcetracker fetch [ARGS...] [URL[@VERSION]...]\n")
		flagSet.PrintDefaults()
		examples := []string{
			"resourcetracker fetch https://example.com/app.jar",
			"resourcetracker fetch https://example.com/app.jar@1.2.0",
			"resourcetracker fetch -gc",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}
	flagSet.BoolVar(&gc, "gc", false, "Sweep orphaned staging files and cache blobs with missing sidecars, then exit")
	flagSet.StringVar(&integritySRI, "integrity", "", "SRI integrity string (e.g. sha256-...) applied to every fetched target")
	flagSet.StringVar(&policyName, "update_policy", "session", `Update policy for every target. one of "session", "always", "force", "never"`)
	flagSet.IntVar(&timeoutSeconds, "timeout_seconds", 3600, "How long to wait for every target to finish before giving up")

	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetScheduler)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}

	store, err := cachestore.New(globalConfig.CacheDir)
	if err != nil {
		cmdhelper.FatalFmt("opening cache store at %s: %v", globalConfig.CacheDir, err)
	}

	if gc {
		removed, err := store.Sweep()
		if err != nil {
			cmdhelper.FatalFmt("sweeping cache: %v", err)
		}
		logging.Basicf("Swept %d orphaned file(s) from %s", removed, globalConfig.CacheDir)
		return
	}

	targets := flagSet.Args()
	if len(targets) == 0 {
		flagSet.Usage()
	}

	var expectedIntegrity integrity.Integrity
	if integritySRI != "" {
		expectedIntegrity, err = integrity.IntegrityFromString(integritySRI)
		if err != nil {
			cmdhelper.FatalFmt("parsing -integrity: %v", err)
		}
	}
	policy, err := policyFromString(policyName)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	requests := make([]api.ResourceRequest, 0, len(targets))
	for _, target := range targets {
		req := parseTarget(target)
		req.Policy = policy
		req.Integrity = expectedIntegrity
		requests = append(requests, req)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		cmdhelper.FatalFmt("creating cookie jar: %v", err)
	}
	httpClient := &http.Client{
		Timeout: time.Duration(globalConfig.ConnectTimeoutMS+globalConfig.DownloadTimeoutMS) * time.Millisecond,
		Jar:     jar,
	}
	runtime := &runtimeenv.Config{
		OfflineForced: globalConfig.OfflineForcedEnable(),
		AllowRedirect: globalConfig.AllowRedirectEnable(),
		Client:        httpClient,
	}
	prober := urlprober.New(httpClient, urlprober.DefaultURLCreator{}, runtime)
	dl := downloader.New(store, prober, runtime, pack200.Identity, httpClient)

	maxWorkers := globalConfig.MaxDemandWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	sched := scheduler.New(ctx, dl.Process, maxWorkers)
	table := resource.NewTable()
	t := tracker.New(sched, table)
	defer t.Close()

	ids := make([]resource.Identity, 0, len(requests))
	for _, req := range requests {
		id := req.Identity()
		r := t.AddResource(id, req.Policy)
		if !req.Integrity.Empty() {
			r.SetExpectedIntegrity(req.Integrity)
		}
		ids = append(ids, id)
	}

	logging.Basicf("Fetching %d resource(s) into %s", len(ids), globalConfig.CacheDir)
	if _, err := t.WaitFor(ctx, ids, time.Duration(timeoutSeconds)*time.Second); err != nil {
		cmdhelper.FatalFmt("waiting for downloads: %v", err)
	}

	failures := 0
	for _, id := range ids {
		path, err := t.GetCacheFile(id)
		if err != nil {
			logging.Errorf("%s: %v", id.URL, err)
			failures++
			continue
		}
		logging.Basicf("%s -> %s", id.URL, path)
	}
	if failures > 0 {
		cmdhelper.FatalFmt("%d of %d resource(s) failed to download", failures, len(ids))
	}
}

// parseTarget splits a "URL" or "URL@VERSION" command-line argument.
// The version suffix is only recognized after the last path segment so
// that an "@" inside the URL's authority (userinfo) isn't mistaken for
// one.
func parseTarget(target string) api.ResourceRequest {
	lastSlash := strings.LastIndexByte(target, '/')
	rest := target
	if lastSlash >= 0 {
		rest = target[lastSlash+1:]
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		version := rest[at+1:]
		url := target[:lastSlash+1+at]
		return api.ResourceRequest{URL: url, Version: version}
	}
	return api.ResourceRequest{URL: target}
}

func policyFromString(s string) (resource.UpdatePolicy, error) {
	switch s {
	case "session":
		return resource.PolicySession, nil
	case "always":
		return resource.PolicyAlways, nil
	case "force":
		return resource.PolicyForce, nil
	case "never":
		return resource.PolicyNever, nil
	default:
		return 0, fmt.Errorf("invalid update_policy: %s", s)
	}
}
