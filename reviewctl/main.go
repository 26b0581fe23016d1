package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/redlinehq/review/protocol"
	"github.com/redlinehq/review/review"
)

const ReviewCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:8000"
const DefaultWsUrl = "ws://localhost:8000/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Redline review CLI.

The default urls are:
    api_url: %s
    ws_url: %s
These can also be set with REDLINE_API_URL and REDLINE_WS_URL,
read from the environment or a .env file.

Usage:
    reviewctl review <file>
        [--ws_url=<ws_url>]
    reviewctl watch <file>
        [--ws_url=<ws_url>]
        [--poll=<poll>]
    reviewctl document <document_id> [<version>]
        [--api_url=<api_url>]
    reviewctl versions <document_id>
        [--api_url=<api_url>]
    reviewctl save <document_id> <file> [<version>]
        [--api_url=<api_url>]
    reviewctl new-version <document_id> <file>
        [--api_url=<api_url>]
    reviewctl update-version <document_id> <version> <file>
        [--api_url=<api_url>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --poll=<poll>        Watch poll interval in milliseconds [default: 250].`,
		DefaultApiUrl,
		DefaultWsUrl,
	)

	// environment from a .env file when present
	godotenv.Load()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReviewCtlVersion)
	if err != nil {
		panic(err)
	}

	if review_, _ := opts.Bool("review"); review_ {
		reviewFile(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watchFile(opts)
	} else if document_, _ := opts.Bool("document"); document_ {
		getDocument(opts)
	} else if versions_, _ := opts.Bool("versions"); versions_ {
		getVersions(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		saveDocument(opts)
	} else if newVersion_, _ := opts.Bool("new-version"); newVersion_ {
		newVersion(opts)
	} else if updateVersion_, _ := opts.Bool("update-version"); updateVersion_ {
		updateVersion(opts)
	}
}

func RequireApiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	if apiUrl := os.Getenv("REDLINE_API_URL"); apiUrl != "" {
		return apiUrl
	}
	return DefaultApiUrl
}

func RequireWsUrl(opts docopt.Opts) string {
	if wsUrlAny := opts["--ws_url"]; wsUrlAny != nil {
		return wsUrlAny.(string)
	}
	if wsUrl := os.Getenv("REDLINE_WS_URL"); wsUrl != "" {
		return wsUrl
	}
	return DefaultWsUrl
}

// review a file once and print the suggestions
func reviewFile(opts docopt.Opts) {
	file, _ := opts.String("<file>")

	contentBytes, err := os.ReadFile(file)
	if err != nil {
		Err.Printf("Cannot read file (%s).", err)
		return
	}
	content := string(contentBytes)

	throttleSettings := review.DefaultEditThrottleSettings()
	if strings.TrimSpace(content) == "" || utf8.RuneCountInString(content) <= throttleSettings.MinContentLength {
		Out.Printf("Document too short to review (%d characters or fewer are ignored).", throttleSettings.MinContentLength)
		return
	}

	timeout := 60 * time.Second

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := review.NewSuggestionTransportWithDefaults(cancelCtx, RequireWsUrl(opts))
	defer transport.Close()

	session := review.NewSessionWithDefaults(cancelCtx, transport)
	defer session.Close()

	states := make(chan review.SessionState, 16)
	removeListener := session.AddStateListener(func(state review.SessionState) {
		select {
		case states <- state:
		default:
		}
	})
	defer removeListener()

	session.Edit(content)

	for {
		select {
		case state := <-states:
			if state.Status == review.StatusSuccess {
				printSuggestions(state.Suggestions)
				return
			} else if state.Status == review.StatusError {
				color.Red("Review failed (%s).", state.Error)
				return
			}
		case <-time.After(timeout):
			Err.Printf("Review timed out.")
			return
		}
	}
}

// review a file again each time it changes
func watchFile(opts docopt.Opts) {
	file, _ := opts.String("<file>")

	pollMillis, _ := opts.Int("--poll")
	poll := time.Duration(pollMillis) * time.Millisecond

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeFn := signalWatcher(cancel)
	defer closeFn()

	transport := review.NewSuggestionTransportWithDefaults(cancelCtx, RequireWsUrl(opts))
	defer transport.Close()

	session := review.NewSessionWithDefaults(cancelCtx, transport)
	defer session.Close()

	removeListener := session.AddStateListener(func(state review.SessionState) {
		if state.IsProcessing {
			Out.Printf("Reviewing ...")
		} else if state.Status == review.StatusSuccess {
			printSuggestions(state.Suggestions)
		} else if state.Status == review.StatusError {
			color.Red("Review failed (%s).", state.Error)
		}
	})
	defer removeListener()

	Out.Printf("Watching %s", file)

	var lastModTime time.Time
	var lastSize int64
	for {
		select {
		case <-cancelCtx.Done():
			return
		case <-time.After(poll):
		}

		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Equal(lastModTime) && info.Size() == lastSize {
			continue
		}
		lastModTime = info.ModTime()
		lastSize = info.Size()

		contentBytes, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		session.Edit(string(contentBytes))
	}
}

func getDocument(opts docopt.Opts) {
	documentId, err := opts.Int("<document_id>")
	if err != nil {
		Err.Printf("Invalid document_id (%s).", err)
		return
	}

	api := review.NewRedlineApi(RequireApiUrl(opts))
	defer api.Close()

	var document *review.Document
	var resultErr error
	if versionAny := opts["<version>"]; versionAny != nil {
		version, err := opts.Int("<version>")
		if err != nil {
			Err.Printf("Invalid version (%s).", err)
			return
		}
		document, resultErr = api.GetDocumentVersionSync(documentId, version)
	} else {
		document, resultErr = api.GetDocumentSync(documentId)
	}
	if resultErr != nil {
		Err.Printf("Get document error (%s).", resultErr)
		return
	}

	Out.Printf("document %d version %d (%s)", document.DocumentId, document.Version, document.CreatedAt)
	Out.Printf("%s", document.Content)
}

func getVersions(opts docopt.Opts) {
	documentId, err := opts.Int("<document_id>")
	if err != nil {
		Err.Printf("Invalid document_id (%s).", err)
		return
	}

	api := review.NewRedlineApi(RequireApiUrl(opts))
	defer api.Close()

	result, err := api.GetDocumentVersionsSync(documentId)
	if err != nil {
		Err.Printf("Get versions error (%s).", err)
		return
	}

	Out.Printf("document %d latest version %d", result.DocumentId, result.LatestVersion)
	for _, version := range result.Versions {
		Out.Printf("    %d  %s", version.Version, version.CreatedAt)
	}
}

func saveDocument(opts docopt.Opts) {
	documentId, err := opts.Int("<document_id>")
	if err != nil {
		Err.Printf("Invalid document_id (%s).", err)
		return
	}

	file, _ := opts.String("<file>")
	contentBytes, err := os.ReadFile(file)
	if err != nil {
		Err.Printf("Cannot read file (%s).", err)
		return
	}
	args := &review.DocumentContentArgs{
		Content: string(contentBytes),
	}

	api := review.NewRedlineApi(RequireApiUrl(opts))
	defer api.Close()

	var result *review.SaveDocumentResult
	var resultErr error
	if versionAny := opts["<version>"]; versionAny != nil {
		version, err := opts.Int("<version>")
		if err != nil {
			Err.Printf("Invalid version (%s).", err)
			return
		}
		result, resultErr = api.SaveDocumentVersionSync(documentId, version, args)
	} else {
		result, resultErr = api.SaveDocumentSync(documentId, args)
	}
	if resultErr != nil {
		Err.Printf("Save error (%s).", resultErr)
		return
	}

	Out.Printf("Saved document %d version %d.", result.DocumentId, result.Version)
}

func newVersion(opts docopt.Opts) {
	documentId, err := opts.Int("<document_id>")
	if err != nil {
		Err.Printf("Invalid document_id (%s).", err)
		return
	}

	file, _ := opts.String("<file>")
	contentBytes, err := os.ReadFile(file)
	if err != nil {
		Err.Printf("Cannot read file (%s).", err)
		return
	}

	api := review.NewRedlineApi(RequireApiUrl(opts))
	defer api.Close()

	document, err := api.CreateDocumentVersionSync(documentId, &review.DocumentContentArgs{
		Content: string(contentBytes),
	})
	if err != nil {
		Err.Printf("Create version error (%s).", err)
		return
	}

	Out.Printf("Created document %d version %d.", document.DocumentId, document.Version)
}

func updateVersion(opts docopt.Opts) {
	documentId, err := opts.Int("<document_id>")
	if err != nil {
		Err.Printf("Invalid document_id (%s).", err)
		return
	}
	version, err := opts.Int("<version>")
	if err != nil {
		Err.Printf("Invalid version (%s).", err)
		return
	}

	file, _ := opts.String("<file>")
	contentBytes, err := os.ReadFile(file)
	if err != nil {
		Err.Printf("Cannot read file (%s).", err)
		return
	}

	api := review.NewRedlineApi(RequireApiUrl(opts))
	defer api.Close()

	document, err := api.UpdateDocumentVersionSync(documentId, version, &review.DocumentContentArgs{
		Content: string(contentBytes),
	})
	if err != nil {
		Err.Printf("Update version error (%s).", err)
		return
	}

	Out.Printf("Updated document %d version %d.", document.DocumentId, document.Version)
}

func printSuggestions(issues []protocol.SuggestionItem) {
	if len(issues) == 0 {
		color.Green("No issues found.")
		return
	}

	Out.Printf("Found %d issues.", len(issues))
	for _, issue := range issues {
		printSeverity := severityPrinter(issue.Severity)
		printSeverity("[%s] %s (paragraph %d)", strings.ToUpper(string(issue.Severity)), issue.Type, issue.Paragraph)
		Out.Printf("    %s", issue.Description)
		if issue.Suggestion != "" {
			Out.Printf("    Suggestion: %s", issue.Suggestion)
		}
	}
}

func severityPrinter(severity protocol.Severity) func(format string, a ...interface{}) {
	switch severity {
	case protocol.SeverityHigh:
		return color.Red
	case protocol.SeverityMedium:
		return color.Yellow
	default:
		return color.Cyan
	}
}

func signalWatcher(cancel context.CancelFunc) func() {
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range stopSignal {
			cancel()
		}
	}()
	return func() {
		signal.Stop(stopSignal)
		close(stopSignal)
	}
}
