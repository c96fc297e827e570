// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/autohck/internal/metrics"
	"github.com/alexandremahdhaoui/autohck/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/autohck/internal/util/logging"
	"github.com/alexandremahdhaoui/autohck/internal/util/ssh"
	"github.com/alexandremahdhaoui/autohck/pkg/archive"
	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/alexandremahdhaoui/autohck/pkg/environment"
	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/alexandremahdhaoui/autohck/pkg/pipeline"
	"github.com/alexandremahdhaoui/autohck/pkg/scheduler"
	"github.com/alexandremahdhaoui/autohck/pkg/snapshot"
	"github.com/alexandremahdhaoui/autohck/pkg/status"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
)

const Name = "autohck"

var (
	// Version is set at build time.
	Version = "dev"

	ErrTagRequired  = errors.New("--tag is required")
	ErrPathRequired = errors.New("--path is required")
)

type options struct {
	tag         string
	path        string
	commit      string
	diff        string
	debug       bool
	configPath  string
	devicesPath string
	metricsBind string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          Name,
		Short:        "Run the driver certification tests of a device on a fresh virtual environment",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.tag, "tag", "t", "", "device and platform to test, as DEVICE-PLATFORM")
	flags.StringVarP(&opts.path, "path", "p", "", "directory of the driver under test")
	flags.StringVarP(&opts.commit, "commit", "c", "", "commit hash the status is published for")
	flags.StringVarP(&opts.diff, "diff", "d", "", "change list file, relative to --path")
	flags.BoolVarP(&opts.debug, "debug", "D", false, "log debug messages")
	flags.StringVar(&opts.configPath, "config", os.Getenv(ConfigPathEnvKey), "configuration file")
	flags.StringVar(&opts.devicesPath, "devices", "devices.json", "device catalog file")
	flags.StringVar(&opts.metricsBind, "metrics-bind", "", "address to expose metrics on, overrides the configuration")

	return cmd
}

func (o *options) validate() error {
	var errs []error
	if o.tag == "" {
		errs = append(errs, ErrTagRequired)
	}
	if o.path == "" {
		errs = append(errs, ErrPathRequired)
	}
	return errors.Join(errs...)
}

// run fails fast on configuration errors. Once the pipeline started, the
// process exits through the graceful shutdown.
func run(_ context.Context, opts *options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	opts.path = strings.TrimSuffix(opts.path, "/")

	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.metricsBind != "" {
		cfg.MetricsBind = opts.metricsBind
	}

	log, closeLog, err := logging.Setup(logging.Options{
		Debug:   opts.debug,
		LogFile: filepath.Join(opts.path, "debug.log"),
	})
	if err != nil {
		return err
	}
	log = log.WithName(Name)

	devices, err := catalog.Load(opts.devicesPath)
	if err != nil {
		closeLog()
		return err
	}
	device, platform, err := devices.Resolve(opts.tag)
	if err != nil {
		log.Error(err, "unknown device or platform", "tag", opts.tag)
		closeLog()
		return err
	}
	driverPath, err := catalog.DriverPath(opts.path, device)
	if err != nil {
		log.Error(err, "driver in given path not found")
		closeLog()
		return err
	}

	if opts.diff != "" {
		changed, err := scheduler.ReadChangeList(filepath.Join(opts.path, opts.diff))
		if err != nil {
			log.Error(err, "cannot read change list")
			closeLog()
			return err
		}
		if len(changed) > 0 {
			log.Info("listing changed drivers", "drivers", changed)
		}
	}

	gs := gracefulshutdown.NewWithExit(Name, log, func(code int) {
		closeLog()
		os.Exit(code)
	})
	ctx := gs.Context()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsBind != "" {
		serveMetrics(gs, metrics.NewServer(cfg.MetricsBind, reg), log)
	}

	tag := catalog.Tag(device, platform)
	clk := clock.RealClock{}

	env := pipeline.Env{
		Config: pipeline.Config{
			Device:        device,
			Platform:      platform,
			DriverPath:    driverPath,
			StudioAddress: cfg.StudioAddress(platform.ID),
			FiltersPath:   cfg.FiltersPath,
			LockPath:      cfg.LockPath,
		},
		Log:       log,
		Clock:     clk,
		Metrics:   m,
		Snapshots: snapshot.NewManager(filepath.Join(cfg.VirtHCKPath, "images"), cfg.QemuImg, log.WithName("snapshot")),
		Environment: environment.NewController(environment.Config{
			ScriptDir:   cfg.VirtHCKPath,
			QemuBin:     cfg.QemuBin,
			WorldBridge: cfg.DHCPBridge,
			Platform:    platform,
			Device:      device.Device,
			Support:     device.Support,
		}, log.WithName("environment"), environment.WithClock(clk)),
		Connect: func(ctx context.Context, address string) (hckclient.Client, error) {
			client, err := hckclient.Connect(ctx, ssh.Config{
				Host:     address,
				Port:     cfg.StudioSSHPort,
				User:     cfg.StudioUsername,
				Password: cfg.StudioPassword,
			}, hckclient.ToolsConfig{
				Script:    cfg.ToolsHCKPath,
				OutputDir: opts.path,
			}, log.WithName("hckclient"))
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}

	var targetURL func() string
	closeUploader := func() {}
	if cfg.FileHost != nil {
		uploader, closeFn, err := dialFileHost(ctx, cfg.FileHost)
		if err != nil {
			log.Error(err, "file host connection failure, results will not be uploaded", "host", cfg.FileHost.Host)
		} else {
			closeUploader = closeFn
			env.Uploader = uploader
			targetURL = uploader.URL
		}
	}

	statusOpts := []status.Option{}
	if targetURL != nil {
		statusOpts = append(statusOpts, status.WithTargetURL(targetURL))
	}
	env.Reporter = status.New(status.Config{
		APIURL:     cfg.GitHubAPIURL,
		Repository: cfg.Repository,
		Commit:     opts.commit,
		Token:      cfg.GitHubToken,
		Tag:        tag,
	}, log.WithName("status"), statusOpts...)

	log.Info("starting run", "tag", tag, "driver", driverPath, "support", device.Support, "version", Version)

	exitCode := 0
	if err := pipeline.Run(ctx, env); err != nil {
		log.Error(err, "run failed")
		exitCode = 1
	}

	closeUploader()
	gs.Shutdown(exitCode)
	return nil
}

func dialFileHost(ctx context.Context, fh *FileHostConfig) (*archive.SFTPUploader, func(), error) {
	client, err := ssh.DialReconnecting(ctx, ssh.Config{
		Host:           fh.Host,
		Port:           fh.Port,
		User:           fh.User,
		Password:       fh.Password,
		PrivateKeyPath: fh.PrivateKeyPath,
	})
	if err != nil {
		return nil, nil, err
	}

	return archive.NewSFTPUploader(client, archive.SFTPConfig{
		Root:      fh.Root,
		PublicURL: fh.PublicURL,
	}), func() { _ = client.Close() }, nil
}

func serveMetrics(gs *gracefulshutdown.GracefulShutdown, srv *http.Server, log logr.Logger) {
	gs.Go(func(ctx context.Context) {
		errCh := make(chan error, 1)
		go func() {
			log.Info("starting metrics server", "addr", srv.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error(err, "metrics server shutdown failed")
			}
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "metrics server failed")
			}
		}
	})
}
