package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/foldercast/foldercast"
	"github.com/foldercast/foldercast/store"
	"github.com/foldercast/foldercast/vfs"
)

const FoldercastctlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Foldercast control.

Operates directly on a node's store and content root. Stop the daemon
first, or point at a copy.

Usage:
    foldercastctl share --store=<store> --dir=<dir> --name=<name> <path>
        [--description=<description>]
        [--usd=<amount>]
        [--web --endpoint=<endpoint> --bucket=<bucket> --access_key_id=<access_key_id>]
    foldercastctl unshare --store=<store> --dir=<dir> --name=<name> <path>
    foldercastctl folders --store=<store> --dir=<dir> --name=<name>
    foldercastctl subscribers --store=<store> --dir=<dir> --name=<name> [<path>]
    foldercastctl requirements --store=<store> --name=<name> <path>

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --store=<store>                    Path to the node store.
    --dir=<dir>                        Path to the content root.
    --name=<name>                      Local identity as node/profile.
    --description=<description>        Folder description.
    --usd=<amount>                     Monthly USD price. Omit for free.
    --web                              Folder has an HTTP mirror.
    --endpoint=<endpoint>              Mirror object store endpoint.
    --bucket=<bucket>                  Mirror bucket.
    --access_key_id=<access_key_id>    Mirror access key id. The secret is prompted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FoldercastctlVersion)
	if err != nil {
		panic(err)
	}

	if share_, _ := opts.Bool("share"); share_ {
		share(opts)
	} else if unshare_, _ := opts.Bool("unshare"); unshare_ {
		unshare(opts)
	} else if folders_, _ := opts.Bool("folders"); folders_ {
		folders(opts)
	} else if subscribers_, _ := opts.Bool("subscribers"); subscribers_ {
		subscribers(opts)
	} else if requirements_, _ := opts.Bool("requirements"); requirements_ {
		requirements(opts)
	}
}

func openManager(opts docopt.Opts) (*foldercast.Manager, foldercast.Name, func()) {
	storePath, _ := opts.String("--store")
	dirPath, _ := opts.String("--dir")
	nameStr, _ := opts.String("--name")

	name, err := foldercast.ParseName(nameStr)
	if err != nil {
		Err.Fatalf("name: %s", err)
	}
	if !name.HasProfile() {
		Err.Fatalf("name must include a profile, e.g. %s/main", name.Node)
	}

	s, err := store.Open(storePath)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs, err := vfs.NewDirFs(ctx, name.Node, dirPath)
	if err != nil {
		s.Close()
		cancel()
		Err.Fatalf("dir: %s", err)
	}

	settings := foldercast.DefaultManagerSettings()
	settings.TestMode = true

	var fsHandle vfs.Filesystem = fs
	manager := foldercast.NewManager(
		ctx,
		name,
		foldercast.NewRef(fsHandle),
		foldercast.NewRef(s),
		foldercast.NewEmptyRef[*foldercast.Transport](),
		foldercast.NewEmptyRef[foldercast.HttpLinksProvider](),
		foldercast.NewJobQueue(s),
		settings,
	)

	closeAll := func() {
		manager.Close()
		fs.Close()
		cancel()
		s.Close()
	}
	return manager, name, closeAll
}

func share(opts docopt.Opts) {
	manager, name, closeAll := openManager(opts)
	defer closeAll()

	path, _ := opts.String("<path>")
	description, _ := opts.String("--description")

	requirement := &foldercast.FolderRequirement{
		IsFree:            true,
		FolderDescription: description,
	}
	if usdAny := opts["--usd"]; usdAny != nil {
		requirement.IsFree = false
		requirement.MonthlyPayment = &foldercast.Payment{
			Kind:   foldercast.PaymentUsd,
			Amount: usdAny.(string),
		}
	}

	var credentials *foldercast.UploadCredentials
	if web_, _ := opts.Bool("--web"); web_ {
		requirement.HasWebAlternative = true

		endpoint, _ := opts.String("--endpoint")
		bucket, _ := opts.String("--bucket")
		accessKeyId, _ := opts.String("--access_key_id")

		fmt.Print("Enter secret access key: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			Err.Fatalf("secret: %s", err)
		}
		fmt.Printf("\n")

		credentials = &foldercast.UploadCredentials{
			AccessKeyId:     accessKeyId,
			SecretAccessKey: string(secretBytes),
			Endpoint:        endpoint,
			Bucket:          bucket,
		}
	}

	if err := manager.CreateShareableFolder(context.Background(), path, name, requirement, credentials); err != nil {
		Err.Fatalf("share: %s", err)
	}
	version, _ := manager.FolderVersion(name.Profile, path)
	Out.Printf("shared %s at version %d", path, version)
}

func unshare(opts docopt.Opts) {
	manager, name, closeAll := openManager(opts)
	defer closeAll()

	path, _ := opts.String("<path>")
	if err := manager.UnshareFolder(context.Background(), path, name); err != nil {
		Err.Fatalf("unshare: %s", err)
	}
	Out.Printf("unshared %s", path)
}

func folders(opts docopt.Opts) {
	manager, name, closeAll := openManager(opts)
	defer closeAll()

	infos, err := manager.AvailableSharedFolders(context.Background(), name, name.Profile, "/")
	if err != nil {
		Err.Fatalf("folders: %s", err)
	}
	for _, info := range infos {
		version, _ := manager.FolderVersion(name.Profile, info.Path)
		Out.Printf("%s permission=%s version=%d", info.Path, info.Permission, version)
	}
}

func subscribers(opts docopt.Opts) {
	manager, _, closeAll := openManager(opts)
	defer closeAll()

	path, _ := opts.String("<path>")
	byFolder, err := manager.GetNodeSubscribers(context.Background(), path)
	if err != nil {
		Err.Fatalf("subscribers: %s", err)
	}
	for folderPath, subscriptions := range byFolder {
		Out.Printf("%s", folderPath)
		for _, subscription := range subscriptions {
			Out.Printf("    %s status=%s since=%s", subscription.Subscriber, subscription.Status, subscription.DateCreated.Format("2006-01-02"))
		}
	}
}

func requirements(opts docopt.Opts) {
	storePath, _ := opts.String("--store")
	nameStr, _ := opts.String("--name")
	path, _ := opts.String("<path>")

	name, err := foldercast.ParseName(nameStr)
	if err != nil {
		Err.Fatalf("name: %s", err)
	}

	s, err := store.Open(storePath)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}
	defer s.Close()

	row, err := s.GetFolderRequirement(name.Profile, path)
	if err != nil {
		Err.Fatalf("requirements: %s", err)
	}
	out, _ := json.MarshalIndent(row, "", "    ")
	Out.Printf("%s", out)
}
