package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/flowline/collab/collab"
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

The default url is:
    url: wss://localhost:4000/worker

Usage:
    collabctl tail [--url=<url>] --room=<room> [--jwt=<jwt>]
    collabctl send-cursor [--url=<url>] --room=<room> [--jwt=<jwt>]
        --x=<x> --y=<y>
        [--name=<name>]
        [--color=<color>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --url=<url>
    --room=<room>      Workflow room id.
    --jwt=<jwt>        Your session JWT. Prompted for if omitted.
    --x=<x>            Cursor x.
    --y=<y>            Cursor y.
    --name=<name>      Display name [default: collabctl].
    --color=<color>    Cursor color [default: #888888].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if sendCursor_, _ := opts.Bool("send-cursor"); sendCursor_ {
		sendCursor(opts)
	}
}

func roomUrl(opts docopt.Opts) (string, string) {
	url, err := opts.String("--url")
	if err != nil || url == "" {
		url = "wss://localhost:4000/worker"
	}
	room, _ := opts.String("--room")
	roomId, err := collab.ParseId(room)
	if err != nil {
		Err.Printf("Invalid room id %q (%s).\n", room, err)
		os.Exit(1)
	}
	return url, "workflow:" + roomId.String()
}

func jwt(opts docopt.Opts) string {
	if jwt_, err := opts.String("--jwt"); err == nil && jwt_ != "" {
		return jwt_
	}
	fmt.Print("JWT: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Printf("Could not read JWT (%s).\n", err)
		os.Exit(1)
	}
	return strings.TrimSpace(string(jwtBytes))
}

// tail joins the room and prints document and presence changes until
// interrupted.
func tail(opts docopt.Opts) {
	url, topic := roomUrl(opts)
	auth := &collab.SessionAuth{Token: jwt(opts)}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := collab.NewWsTransportWithDefaults(cancelCtx, url, topic, auth.Token)
	session := collab.NewSession(cancelCtx, transport, nil, auth)
	defer session.Leave()

	session.Subscribe(func() {
		snapshot := session.GetSnapshot()
		Out.Printf("session state=%s connected=%t synced=%t",
			snapshot.ConnectionState, snapshot.IsConnected, snapshot.IsSynced)
	})

	workflowStore := collab.NewWorkflowStore()
	workflowStore.Connect(session.Doc(), session)
	defer workflowStore.Release()

	workflowStore.Subscribe(func() {
		workflow := workflowStore.GetSnapshot().Workflow
		Out.Printf("workflow %s jobs=%d triggers=%d edges=%d errors=%d",
			workflow.Record.Name,
			len(workflow.Jobs), len(workflow.Triggers), len(workflow.Edges),
			len(workflow.Errors))
		for nodeId, messages := range workflow.Errors {
			Out.Printf("  error %s: %s", nodeId, strings.Join(messages, "; "))
		}
	})

	presenceStore := collab.NewPresenceStore()
	userId, err := auth.UserId()
	if err != nil {
		Err.Printf("Invalid JWT (%s).\n", err)
		os.Exit(1)
	}
	presenceStore.InitializeAwareness(session.Presence(), collab.Identity{
		Id:    userId,
		Name:  "collabctl",
		Color: "#888888",
	})
	defer presenceStore.Cleanup()

	presenceStore.Subscribe(func() {
		for _, participant := range presenceStore.GetSnapshot().Participants {
			cursor := "-"
			if participant.Cursor != nil {
				cursor = fmt.Sprintf("%.0f,%.0f", participant.Cursor.X, participant.Cursor.Y)
			}
			Out.Printf("presence %s (%s) cursor=%s",
				participant.User.Name, participant.ClientId, cursor)
		}
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

// send-cursor joins the room, broadcasts one cursor position, then
// leaves after the update has had a moment to flush.
func sendCursor(opts docopt.Opts) {
	url, topic := roomUrl(opts)
	auth := &collab.SessionAuth{Token: jwt(opts)}

	xStr, _ := opts.String("--x")
	yStr, _ := opts.String("--y")
	x, err := strconv.ParseFloat(xStr, 64)
	if err != nil {
		Err.Printf("Invalid x (%s).\n", err)
		os.Exit(1)
	}
	y, err := strconv.ParseFloat(yStr, 64)
	if err != nil {
		Err.Printf("Invalid y (%s).\n", err)
		os.Exit(1)
	}
	name, _ := opts.String("--name")
	color, _ := opts.String("--color")

	userId, err := auth.UserId()
	if err != nil {
		Err.Printf("Invalid JWT (%s).\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := collab.NewWsTransportWithDefaults(cancelCtx, url, topic, auth.Token)
	session := collab.NewSession(cancelCtx, transport, nil, auth)
	defer session.Leave()

	synced := make(chan struct{}, 1)
	session.Subscribe(func() {
		if session.GetSnapshot().IsSynced {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-synced:
	case <-time.After(30 * time.Second):
		Err.Printf("Could not sync with the room.\n")
		os.Exit(1)
	}

	presenceStore := collab.NewPresenceStore()
	presenceStore.InitializeAwareness(session.Presence(), collab.Identity{
		Id:    userId,
		Name:  name,
		Color: color,
	})
	defer presenceStore.Cleanup()

	presenceStore.UpdateLocalCursor(&collab.Cursor{X: x, Y: y})
	time.Sleep(1 * time.Second)
	Out.Printf("Cursor sent.")
}
