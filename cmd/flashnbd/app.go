package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/internal/progress"
	"github.com/mistifyio/flashnbd/pkg/deferer"
	"github.com/mistifyio/flashnbd/pkg/kv"
	_ "github.com/mistifyio/flashnbd/pkg/kv/bunt"
	_ "github.com/mistifyio/flashnbd/pkg/kv/consul"
	_ "github.com/mistifyio/flashnbd/pkg/kv/etcd"
	"github.com/mistifyio/flashnbd/pkg/procscan"
	"github.com/mistifyio/flashnbd/pkg/runner"
	"github.com/mistifyio/flashnbd/pkg/virt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const (
	defaultKVAddr     = "consul://localhost:8500"
	defaultConfigFile = "/etc/flashnbd/flashnbd.yaml"
)

var errUsage = errors.New("a command is required")

// app carries the settings and the connections shared by the subcommands.
type app struct {
	d       *deferer.Deferer
	v       *viper.Viper
	host    string
	context *flashnbd.Context
	manager *flashnbd.Manager
	printer *progress.Printer
}

func newApp(d *deferer.Deferer) *app {
	return &app{d: d, v: viper.New()}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flashnbd",
		Short:         "Cached nbd attachments and live migration of instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return errUsage
		},
	}

	f := root.PersistentFlags()
	f.String("config", defaultConfigFile, "settings file")
	f.StringP("kv", "k", defaultKVAddr, "address of the metadata store")
	f.String("host", "", "name of this host (default short hostname)")
	f.String("config-dir", flashnbd.InstanceConfigDir, "directory of instance files")
	f.StringP("log-level", "l", "warn", "log level")
	f.StringP("statsd", "s", "", "statsd address")
	f.String("dev-root", flashnbd.DefaultPaths.Dev, "device directory")
	f.String("proc", "/proc", "procfs mount point")
	f.Int("max-devices", flashnbd.DefaultMaxDevices, "number of nbd devices on the host")
	f.Int("fallow-delay", 300, "seconds of idleness before the cache flushes")
	f.Int("readahead", 8192, "read-ahead of the cache device in sectors")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd == root {
			return nil
		}
		return a.setup(cmd)
	}

	root.AddCommand(a.lifecycleCmds()...)
	root.AddCommand(
		a.statsCmd(),
		a.migrateCmd(),
		a.pingPongCmd(),
		a.instanceCmd(),
		a.configCmd(),
	)
	return root
}

// bind makes every flag of cmd readable through viper, overridable by
// FLASHNBD_ environment variables and the settings file.
func (a *app) bind(cmd *cobra.Command) error {
	var result error
	visit := func(f *pflag.Flag) {
		if err := a.v.BindPFlag(f.Name, f); err != nil {
			result = multierror.Append(result, err)
		}
	}
	cmd.Flags().VisitAll(visit)
	cmd.InheritedFlags().VisitAll(visit)
	return result
}

func (a *app) readSettings(cmd *cobra.Command) error {
	if err := a.bind(cmd); err != nil {
		return err
	}
	a.v.SetEnvPrefix("FLASHNBD")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	file := a.v.GetString("config")
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) && !cmd.Flags().Changed("config") {
			return nil
		}
		return err
	}
	a.v.SetConfigFile(file)
	return errors.Wrap(a.v.ReadInConfig(), "read settings")
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := a.readSettings(cmd); err != nil {
		return err
	}
	if err := setupLogging(a.v.GetString("log-level")); err != nil {
		return err
	}

	if _, err := setupMetrics(a.v.GetString("statsd")); err != nil {
		log.WithFields(log.Fields{
			"error":  err,
			"func":   "setupMetrics",
			"statsd": a.v.GetString("statsd"),
		}).Warn("metrics sink unavailable")
	}

	var err error
	a.host = a.v.GetString("host")
	if a.host == "" {
		if a.host, err = flashnbd.Hostname(); err != nil {
			return err
		}
	}

	store, err := openStore(a.v.GetString("kv"))
	if err != nil {
		return err
	}
	a.context = flashnbd.NewContext(store)
	a.d.Close("store", a.context)

	scanner, err := procscan.New(a.v.GetString("proc"))
	if err != nil {
		return err
	}

	a.printer = progress.New(os.Stdout, os.Stdin)
	a.storeDefaults("fallow-delay")

	devRoot := a.v.GetString("dev-root")
	allocator := a.context.NewAllocator(scanner)
	allocator.MaxDevices = a.v.GetInt("max-devices")
	allocator.DevicePrefix = filepath.Join(devRoot, "nbd")
	allocator.Holder = a.host + "/" + cmd.Name()

	a.manager = a.context.NewManager(a.host, allocator, runner.Local{}, scanner, a.printer)
	a.manager.Paths.Dev = devRoot
	a.manager.Paths.Mapper = filepath.Join(devRoot, "mapper")
	a.manager.FallowDelay = a.v.GetInt("fallow-delay")
	a.manager.ReadAhead = a.v.GetInt("readahead")
	return nil
}

// openStore connects to the store at addr and checks it answers.
func openStore(addr string) (kv.KV, error) {
	store, err := kv.New(addr)
	if err != nil {
		log.WithFields(log.Fields{
			"addr":  addr,
			"error": err,
			"func":  "kv.New",
		}).Error("unable to connect to kv")
		return nil, err
	}
	if err := store.Ping(); err != nil {
		log.WithFields(log.Fields{
			"addr":  addr,
			"error": err,
			"func":  "kv.Ping",
		}).Error("kv is unreachable")
		_ = store.Close()
		return nil, errors.Wrapf(err, "kv %s", addr)
	}
	return store, nil
}

// storeDefaults uses the cluster wide values kept in the store for keys
// not set by a flag, the environment or the settings file.
func (a *app) storeDefaults(keys ...string) {
	for _, key := range keys {
		val, err := a.context.Config(key)
		if err != nil {
			if !a.context.IsKeyNotFound(err) {
				log.WithFields(log.Fields{
					"error": err,
					"func":  "Context.Config",
					"key":   key,
				}).Warn("failed to read setting from store")
			}
			continue
		}
		a.v.SetDefault(key, val)
	}
}

// localHypervisor dials the libvirtd of this host, closed with the store.
func (a *app) localHypervisor(timeout time.Duration) (virt.Conn, error) {
	l, err := virt.DialLocal(timeout)
	if err != nil {
		return nil, err
	}
	a.d.Close("local hypervisor", l)
	return l, nil
}

// dialRemote reaches the libvirtd of a destination host, through the ssh
// connection remote commands use, or over tcp.
func dialRemote(transport string, timeout time.Duration, ssh *runner.SSH) (func(string) (virt.Conn, error), error) {
	switch transport {
	case "ssh":
		return func(host string) (virt.Conn, error) {
			return virt.DialTunnel(host, ssh.Tunnel)
		}, nil
	case "tcp":
		return func(host string) (virt.Conn, error) {
			return virt.DialRemote(host, timeout)
		}, nil
	}
	return nil, errors.Errorf("unknown libvirt transport %q", transport)
}
