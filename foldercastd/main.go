package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docopt/docopt-go"

	"github.com/foldercast/foldercast"
	"github.com/foldercast/foldercast/store"
	"github.com/foldercast/foldercast/vfs"
)

const FoldercastdVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type Config struct {
	// node identity, e.g. "@@alice.foldercast"
	Name          string `toml:"name"`
	ListenAddress string `toml:"listen_address"`
	StorePath     string `toml:"store_path"`
	// the shared content root on the local filesystem
	RootDir    string `toml:"root_dir"`
	SigningKey string `toml:"signing_key"`

	Settings SettingsConfig `toml:"settings"`
	Peers    []PeerConfig   `toml:"peers"`
}

type SettingsConfig struct {
	StateUpdateInterval duration `toml:"state_update_interval"`
	WorkerCount         int      `toml:"worker_count"`
	JobTimeout          duration `toml:"job_timeout"`
	CacheStaleTimeout   duration `toml:"cache_stale_timeout"`
}

type PeerConfig struct {
	Name         string `toml:"name"`
	Address      string `toml:"address"`
	ProxyAddress string `toml:"proxy_address"`
	SigningKey   string `toml:"signing_key"`
}

type duration time.Duration

func (self *duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*self = duration(d)
	return nil
}

func main() {
	usage := `Foldercast node daemon.

Usage:
    foldercastd run --config=<config> [--v=<v>]

Options:
    -h --help           Show this screen.
    --version           Show version.
    --config=<config>   Path to the TOML config file.
    --v=<v>             Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FoldercastdVersion)
	if err != nil {
		panic(err)
	}

	// glog registers on the default flag set, which docopt bypasses
	verbosity, _ := opts.Int("--v")
	flag.CommandLine.Parse([]string{
		"-logtostderr=true",
		fmt.Sprintf("-v=%d", verbosity),
	})

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	configPath, _ := opts.String("--config")

	config := &Config{}
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		Err.Fatalf("config: %s", err)
	}
	localName, err := foldercast.ParseName(config.Name)
	if err != nil {
		Err.Fatalf("config name: %s", err)
	}
	if config.SigningKey == "" {
		Err.Fatalf("config is missing a signing_key")
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	s, err := store.Open(config.StorePath)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}
	defer s.Close()

	fs, err := vfs.NewDirFs(cancelCtx, localName.Node, config.RootDir)
	if err != nil {
		Err.Fatalf("root dir: %s", err)
	}
	defer fs.Close()

	queue := foldercast.NewJobQueue(s)
	transport := foldercast.NewTransport(
		localName,
		[]byte(config.SigningKey),
		newPeerResolver(config.Peers),
		foldercast.NewWsSenderWithDefaults(),
	)

	settings := foldercast.DefaultManagerSettings()
	if 0 < config.Settings.StateUpdateInterval {
		settings.StateUpdateInterval = time.Duration(config.Settings.StateUpdateInterval)
	}
	if 0 < config.Settings.WorkerCount {
		settings.WorkerCount = config.Settings.WorkerCount
	}
	if 0 < config.Settings.JobTimeout {
		settings.JobTimeout = time.Duration(config.Settings.JobTimeout)
	}
	if 0 < config.Settings.CacheStaleTimeout {
		settings.CacheStaleTimeout = time.Duration(config.Settings.CacheStaleTimeout)
	}

	var fsHandle vfs.Filesystem = fs
	manager := foldercast.NewManager(
		cancelCtx,
		localName,
		foldercast.NewRef(fsHandle),
		foldercast.NewRef(s),
		foldercast.NewRef(transport),
		foldercast.NewEmptyRef[foldercast.HttpLinksProvider](),
		queue,
		settings,
	)
	defer manager.Close()

	server, err := foldercast.NewNodeServerWithDefaults(cancelCtx, manager, []byte(config.SigningKey), config.ListenAddress)
	if err != nil {
		Err.Fatalf("listen: %s", err)
	}
	defer server.Close()

	go watchContent(cancelCtx, fs, manager)

	instanceId := foldercast.NewId()
	Out.Printf("foldercastd %s as %s on %s", FoldercastdVersion, localName, server.Address())
	Out.Printf("instance_id: %s", instanceId)

	<-cancelCtx.Done()
	Out.Printf("shutting down")
}

// watchContent rescans shared folders when content under the root dir
// changes on disk, debounced so one bulk copy rescans once.
func watchContent(ctx context.Context, fs *vfs.DirFs, manager *foldercast.Manager) {
	const debounce = 2 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-fs.Changes():
		}

		settle := time.After(debounce)
	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case <-fs.Changes():
			case <-settle:
				break drain
			}
		}

		if err := manager.UpdateSharedFolders(ctx); err != nil {
			Err.Printf("rescan: %s", err)
		}
	}
}

// peerResolver resolves peers from the static peer list in the config
type peerResolver struct {
	peers map[string]PeerConfig
}

func newPeerResolver(peers []PeerConfig) *peerResolver {
	byNode := map[string]PeerConfig{}
	for _, peer := range peers {
		byNode[peer.Name] = peer
	}
	return &peerResolver{
		peers: byNode,
	}
}

func (self *peerResolver) Resolve(ctx context.Context, name foldercast.Name) (*foldercast.PeerIdentity, error) {
	peer, ok := self.peers[name.Node]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", name.Node)
	}
	return &foldercast.PeerIdentity{
		Name:         name,
		Address:      peer.Address,
		SigningKey:   []byte(peer.SigningKey),
		ProxyAddress: peer.ProxyAddress,
	}, nil
}
