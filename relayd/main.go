package main

import (
	"log"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"

	"loomworks.com/collab/relay"
)

const RelaydVersion = "0.0.1"

var Err *log.Logger

func init() {
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab room relay.

Usage:
    relayd serve [--listen=<listen>] [--secret=<secret>]

Options:
    -h --help           Show this screen.
    --version           Show version.
    --listen=<listen>   Listen address [default: :8600].
    --secret=<secret>   Room token HS256 secret. Empty disables verification.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaydVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	secret, _ := opts.String("--secret")

	settings := relay.DefaultHubSettings()
	if secret != "" {
		settings.Secret = []byte(secret)
	}
	hub := relay.NewHub(settings)

	mux := http.NewServeMux()
	mux.Handle("/sync", hub.Handler())

	Err.Printf("listening on %s", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		Err.Fatal(err)
	}
}
