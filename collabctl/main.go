package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"loomworks.com/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

Usage:
    collabctl mint-token --secret=<secret>
        --tenant=<tenant_id>
        --workflow=<workflow_id>
        --user_id=<user_id>
        --name=<name>
        [--email=<email>]
        [--role=<role>]
        [--ttl_hours=<ttl_hours>]
    collabctl client-id [--token=<token>]
    collabctl watch --url=<url>
        --tenant=<tenant_id>
        --workflow=<workflow_id>
        [--token=<token>]
        [--user_id=<user_id>]
        [--name=<name>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --secret=<secret>          Relay HS256 secret.
    --tenant=<tenant_id>       Tenant id.
    --workflow=<workflow_id>   Workflow id.
    --user_id=<user_id>        User id claim.
    --name=<name>              Display name claim.
    --email=<email>            Email claim.
    --role=<role>              Role claim [default: editor].
    --ttl_hours=<ttl_hours>    Token lifetime in hours [default: 24].
    --url=<url>                Relay websocket url, e.g. ws://localhost:8600/sync.
    --token=<token>            Room token. Prompted for when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func mintToken(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	tenantId, _ := opts.String("--tenant")
	workflowId, _ := opts.String("--workflow")
	room, err := collab.RoomKey(tenantId, workflowId)
	if err != nil {
		Err.Fatal(err)
	}

	user := &collab.PresenceUser{}
	user.UserId, _ = opts.String("--user_id")
	user.DisplayName, _ = opts.String("--name")
	user.Email, _ = opts.String("--email")
	user.Role, _ = opts.String("--role")

	ttlHoursStr, _ := opts.String("--ttl_hours")
	ttlHours, err := strconv.Atoi(ttlHoursStr)
	if err != nil {
		Err.Fatal(err)
	}

	token, err := collab.MintRoomToken([]byte(secret), room, user, time.Duration(ttlHours)*time.Hour)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Println(token)
}

func clientId(opts docopt.Opts) {
	token := requireToken(opts)
	roomToken, err := collab.ParseRoomTokenUnverified(token)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("token_id=%s", roomToken.TokenId)
	Out.Printf("room=%s", roomToken.Room)
	Out.Printf("user_id=%s", roomToken.UserId)
	Out.Printf("display_name=%s", roomToken.DisplayName)
	Out.Printf("email=%s", roomToken.Email)
	Out.Printf("role=%s", roomToken.Role)
}

func watch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	tenantId, _ := opts.String("--tenant")
	workflowId, _ := opts.String("--workflow")
	token := requireToken(opts)

	userId, _ := opts.String("--user_id")
	if userId == "" {
		userId = "collabctl"
	}
	name, _ := opts.String("--name")
	if name == "" {
		name = "collabctl"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, err := collab.NewBridgeWithDefaults(ctx, &collab.BridgeConfig{
		Endpoint:   url,
		TenantId:   tenantId,
		WorkflowId: workflowId,
		Token:      token,
		User: collab.PresenceUser{
			UserId:      userId,
			DisplayName: name,
			Role:        "observer",
		},
		OnNodesChange: func(nodes []collab.Node) {
			Out.Printf("nodes (%d):", len(nodes))
			for _, node := range nodes {
				Out.Printf("  %v", node)
			}
		},
		OnEdgesChange: func(edges []collab.Edge) {
			Out.Printf("edges (%d):", len(edges))
			for _, edge := range edges {
				Out.Printf("  %v", edge)
			}
		},
	})
	if err != nil {
		Err.Fatal(err)
	}
	defer bridge.Disconnect()

	removeStateCallback := bridge.AddStateCallback(func(state collab.BridgeState) {
		users := []string{}
		for _, user := range state.Users {
			users = append(users, user.DisplayName)
		}
		Out.Printf(
			"connected=%t synced=%t users=%v err=%q",
			state.Connected,
			state.Synced,
			users,
			state.Err,
		)
	})
	defer removeStateCallback()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func requireToken(opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil && token != "" {
		return token
	}
	fmt.Fprint(os.Stderr, "token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatal(err)
	}
	return string(tokenBytes)
}
