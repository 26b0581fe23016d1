package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/redlinehq/review/protocol"
	"github.com/redlinehq/review/review"
)

const LocalVersion = "0.0.0-local"

// a local review service with the same surface as the hosted service:
// the suggestion websocket plus the versioned document store.
// Reviews are heuristic so that results are deterministic for a given
// document, and a configurable fraction of reviews fail to exercise
// client error handling.

func main() {
	usage := `Redline review service simulator.

Usage:
    reviewsim serve [--port=<port>]
        [--error_rate=<error_rate>]
        [--review_delay=<review_delay>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    -p --port=<port>               Listen port [default: 8000].
    --error_rate=<error_rate>      Probability that a review fails [default: 0.05].
    --review_delay=<review_delay>  Simulated analysis time in milliseconds [default: 300].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	errorRate := parseErrorRate(opts)

	reviewDelayMillis, _ := opts.Int("--review_delay")
	reviewDelay := time.Duration(reviewDelayMillis) * time.Millisecond

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeFn := signalWatcher(cancel)
	defer closeFn()

	service := &simService{
		ctx:   cancelCtx,
		store: newDocumentStore(),
		analyzer: &reviewAnalyzer{
			errorRate: errorRate,
		},
		reviewDelay: reviewDelay,
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: service.routes(),
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Serve error = %s\n", err)
		}
	}()

	fmt.Printf("review sim %s serving on *:%d (error rate %.2f)\n", RequireVersion(), port, errorRate)

	select {
	case <-cancelCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func RequireVersion() string {
	if version := os.Getenv("REDLINE_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

// a malformed rate keeps the default instead of zeroing the error path
func parseErrorRate(opts docopt.Opts) float64 {
	errorRate := 0.05
	if errorRateAny := opts["--error_rate"]; errorRateAny != nil {
		if parsed, err := strconv.ParseFloat(errorRateAny.(string), 64); err == nil {
			errorRate = parsed
		} else {
			fmt.Printf("Ignoring invalid error_rate (%s)\n", err)
		}
	}
	return errorRate
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

type simService struct {
	ctx         context.Context
	store       *documentStore
	analyzer    *reviewAnalyzer
	reviewDelay time.Duration
}

func (self *simService) routes() *http.ServeMux {
	routes := http.NewServeMux()
	routes.HandleFunc("GET /ws", self.ws)
	routes.HandleFunc("GET /document/{document_id}", self.getDocument)
	routes.HandleFunc("GET /document/{document_id}/versions", self.getDocumentVersions)
	routes.HandleFunc("POST /document/{document_id}/version", self.createDocumentVersion)
	routes.HandleFunc("PUT /document/{document_id}/version/{version}", self.updateDocumentVersion)
	routes.HandleFunc("POST /save/{document_id}", self.saveDocument)
	return routes
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// the suggestion websocket. Each inbound frame is a review request:
// either raw document text or a `{"seq", "content"}` envelope.
// The reply sequence per request is a processing status followed by
// either suggestions or an error, with the request seq echoed back.
func (self *simService) ws(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("Upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	fmt.Printf("Suggest ws open %s\n", r.RemoteAddr)
	defer fmt.Printf("Suggest ws close %s\n", r.RemoteAddr)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		content, seq := protocol.DecodeEditFrame(frame)

		processing := &protocol.Message{
			Type:   protocol.MessageTypeStatus,
			Status: protocol.StatusProcessing,
			Seq:    seq,
		}
		if err := ws.WriteMessage(websocket.TextMessage, protocol.RequireEncodeMessage(processing)); err != nil {
			return
		}

		if 0 < self.reviewDelay {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.reviewDelay):
			}
		}

		issues, err := self.analyzer.review(content)

		var reply *protocol.Message
		if err != nil {
			fmt.Printf("Review error = %s\n", err)
			reply = &protocol.Message{
				Type:   protocol.MessageTypeError,
				Status: protocol.StatusError,
				Seq:    seq,
				Error: &protocol.ErrorPayload{
					Message: err.Error(),
				},
			}
		} else {
			fmt.Printf("Review found %d issues\n", len(issues))
			reply = &protocol.Message{
				Type:   protocol.MessageTypeSuggestions,
				Status: protocol.StatusSuccess,
				Seq:    seq,
				Suggestions: &protocol.SuggestionsPayload{
					Issues: issues,
				},
			}
		}
		if err := ws.WriteMessage(websocket.TextMessage, protocol.RequireEncodeMessage(reply)); err != nil {
			return
		}
	}
}

func (self *simService) getDocument(w http.ResponseWriter, r *http.Request) {
	documentId, err := strconv.Atoi(r.PathValue("document_id"))
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Document id must be an integer.")
		return
	}

	var document *storedDocument
	if versionStr := r.URL.Query().Get("version"); versionStr != "" {
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "Version must be an integer.")
			return
		}
		document = self.store.version(documentId, version)
		if document == nil {
			httpError(w, http.StatusNotFound, "Document version not found")
			return
		}
	} else {
		document = self.store.latest(documentId)
		if document == nil {
			httpError(w, http.StatusNotFound, "Document not found")
			return
		}
	}

	httpJson(w, documentResult(document))
}

func (self *simService) getDocumentVersions(w http.ResponseWriter, r *http.Request) {
	documentId, err := strconv.Atoi(r.PathValue("document_id"))
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Document id must be an integer.")
		return
	}

	versions := self.store.versions(documentId)
	if versions == nil {
		httpError(w, http.StatusNotFound, "Document not found")
		return
	}

	// versions are newest first
	latestVersion := 0
	if 0 < len(versions) {
		latestVersion = versions[0].Version
	}

	httpJson(w, &review.DocumentVersionsResult{
		DocumentId:    documentId,
		Versions:      versions,
		LatestVersion: latestVersion,
	})
}

func (self *simService) createDocumentVersion(w http.ResponseWriter, r *http.Request) {
	documentId, err := strconv.Atoi(r.PathValue("document_id"))
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Document id must be an integer.")
		return
	}

	var args review.DocumentContentArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Malformed request body.")
		return
	}

	document := self.store.createVersion(documentId, args.Content)
	httpJson(w, documentResult(document))
}

func (self *simService) updateDocumentVersion(w http.ResponseWriter, r *http.Request) {
	documentId, err := strconv.Atoi(r.PathValue("document_id"))
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Document id must be an integer.")
		return
	}
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Version must be an integer.")
		return
	}

	var args review.DocumentContentArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Malformed request body.")
		return
	}

	document := self.store.updateVersion(documentId, version, args.Content)
	if document == nil {
		httpError(w, http.StatusNotFound, "Document version not found")
		return
	}
	httpJson(w, documentResult(document))
}

func (self *simService) saveDocument(w http.ResponseWriter, r *http.Request) {
	documentId, err := strconv.Atoi(r.PathValue("document_id"))
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Document id must be an integer.")
		return
	}

	var args review.DocumentContentArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "Malformed request body.")
		return
	}

	// a save writes in place: the named version, or the latest one.
	// it never creates documents or versions
	var document *storedDocument
	if versionStr := r.URL.Query().Get("version"); versionStr != "" {
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "Version must be an integer.")
			return
		}
		document = self.store.updateVersion(documentId, version, args.Content)
	} else {
		document = self.store.updateLatest(documentId, args.Content)
	}
	if document == nil {
		httpError(w, http.StatusNotFound, "Document not found")
		return
	}

	httpJson(w, &review.SaveDocumentResult{
		DocumentId: document.documentId,
		Version:    document.version,
		Content:    document.content,
	})
}

func documentResult(document *storedDocument) *review.Document {
	return &review.Document{
		Id:         document.id,
		DocumentId: document.documentId,
		Version:    document.version,
		Content:    document.content,
		CreatedAt:  document.createdAt.UTC().Format(time.RFC3339),
	}
}

func httpJson(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func httpError(w http.ResponseWriter, statusCode int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"detail": detail,
	})
}

type storedDocument struct {
	id         int
	documentId int
	version    int
	content    string
	createdAt  time.Time
}

// an in-memory versioned document store. Versions are append only
// except for explicit in-place updates, matching the hosted store.
type documentStore struct {
	stateLock sync.Mutex

	nextId int
	// document id -> version -> document
	documents map[int]map[int]*storedDocument
}

func newDocumentStore() *documentStore {
	store := &documentStore{
		nextId:    1,
		documents: map[int]map[int]*storedDocument{},
	}
	// seed documents so the store is never empty on start
	store.createVersion(1, SeedDocument1)
	store.createVersion(2, SeedDocument2)
	return store
}

func (self *documentStore) latest(documentId int) *storedDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byVersion, ok := self.documents[documentId]
	if !ok {
		return nil
	}
	latestVersion := 0
	for _, version := range maps.Keys(byVersion) {
		if latestVersion < version {
			latestVersion = version
		}
	}
	return byVersion[latestVersion]
}

func (self *documentStore) version(documentId int, version int) *storedDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byVersion, ok := self.documents[documentId]
	if !ok {
		return nil
	}
	return byVersion[version]
}

func (self *documentStore) versions(documentId int) []review.DocumentVersionInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byVersion, ok := self.documents[documentId]
	if !ok {
		return nil
	}

	versionNumbers := maps.Keys(byVersion)
	// newest first
	sort.Sort(sort.Reverse(sort.IntSlice(versionNumbers)))

	versions := []review.DocumentVersionInfo{}
	for _, versionNumber := range versionNumbers {
		document := byVersion[versionNumber]
		versions = append(versions, review.DocumentVersionInfo{
			Version:   document.version,
			CreatedAt: document.createdAt.UTC().Format(time.RFC3339),
		})
	}
	return versions
}

func (self *documentStore) createVersion(documentId int, content string) *storedDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byVersion, ok := self.documents[documentId]
	if !ok {
		byVersion = map[int]*storedDocument{}
		self.documents[documentId] = byVersion
	}

	latestVersion := 0
	for _, version := range maps.Keys(byVersion) {
		if latestVersion < version {
			latestVersion = version
		}
	}

	document := &storedDocument{
		id:         self.nextId,
		documentId: documentId,
		version:    latestVersion + 1,
		content:    content,
		createdAt:  time.Now(),
	}
	self.nextId += 1
	byVersion[document.version] = document
	return document
}

func (self *documentStore) updateVersion(documentId int, version int, content string) *storedDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byVersion, ok := self.documents[documentId]
	if !ok {
		return nil
	}
	document, ok := byVersion[version]
	if !ok {
		return nil
	}
	document.content = content
	document.createdAt = time.Now()
	return document
}

// writes content into the latest version in place. nil for a document
// that does not exist
func (self *documentStore) updateLatest(documentId int, content string) *storedDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	byVersion, ok := self.documents[documentId]
	if !ok {
		return nil
	}
	latestVersion := 0
	for _, version := range maps.Keys(byVersion) {
		if latestVersion < version {
			latestVersion = version
		}
	}
	document, ok := byVersion[latestVersion]
	if !ok {
		return nil
	}
	document.content = content
	document.createdAt = time.Now()
	return document
}

// flags wording that weakens or muddies a claim. The checks are so
// that a given document always reviews the same way, which makes the
// client behavior reproducible.
type reviewAnalyzer struct {
	errorRate float64
}

var vagueQualifiers = []string{
	"substantially",
	"approximately",
	"generally",
	"about",
	"roughly",
}

var hedgeWords = []string{
	"may",
	"might",
	"could",
	"optionally",
}

// term pairs that should not both appear in one document
var driftTerms = [][2]string{
	{"device", "apparatus"},
	{"user", "operator"},
	{"server", "backend"},
}

func (self *reviewAnalyzer) review(content string) ([]protocol.SuggestionItem, error) {
	if mathrand.Float64() < self.errorRate {
		return nil, errors.New("Review model unavailable.")
	}

	issues := []protocol.SuggestionItem{}
	paragraphs := splitParagraphs(content)

	for i, paragraph := range paragraphs {
		paragraphNumber := i + 1
		lower := strings.ToLower(paragraph)

		for _, qualifier := range vagueQualifiers {
			if containsWord(lower, qualifier) {
				issues = append(issues, protocol.SuggestionItem{
					Type:        "ambiguity",
					Severity:    protocol.SeverityMedium,
					Paragraph:   paragraphNumber,
					Description: fmt.Sprintf("The qualifier \"%s\" leaves the claimed range open to interpretation.", qualifier),
					Suggestion:  fmt.Sprintf("Replace \"%s\" with a measurable bound.", qualifier),
				})
				break
			}
		}

		for _, hedge := range hedgeWords {
			if containsWord(lower, hedge) {
				issues = append(issues, protocol.SuggestionItem{
					Type:        "legal_scope",
					Severity:    protocol.SeverityLow,
					Paragraph:   paragraphNumber,
					Description: fmt.Sprintf("Hedged language (\"%s\") makes it unclear whether the step is required.", hedge),
					Suggestion:  "State the step as required or move it to a dependent claim.",
				})
				break
			}
		}

		if 400 < utf8.RuneCountInString(paragraph) {
			issues = append(issues, protocol.SuggestionItem{
				Type:        "technical_clarity",
				Severity:    protocol.SeverityLow,
				Paragraph:   paragraphNumber,
				Description: "The paragraph runs long enough that the limitation is hard to follow.",
				Suggestion:  "Split the paragraph so each limitation stands alone.",
			})
		}
	}

	lowerContent := strings.ToLower(content)
	for _, terms := range driftTerms {
		if containsWord(lowerContent, terms[0]) && containsWord(lowerContent, terms[1]) {
			paragraphNumber := 1
			for i, paragraph := range paragraphs {
				if containsWord(strings.ToLower(paragraph), terms[1]) {
					paragraphNumber = i + 1
					break
				}
			}
			issues = append(issues, protocol.SuggestionItem{
				Type:        "inconsistency",
				Severity:    protocol.SeverityHigh,
				Paragraph:   paragraphNumber,
				Description: fmt.Sprintf("The document refers to both \"%s\" and \"%s\" for what appears to be the same element.", terms[0], terms[1]),
				Suggestion:  fmt.Sprintf("Use \"%s\" consistently throughout.", terms[0]),
			})
		}
	}

	return issues, nil
}

func splitParagraphs(content string) []string {
	paragraphs := []string{}
	for _, paragraph := range strings.Split(content, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph != "" {
			paragraphs = append(paragraphs, paragraph)
		}
	}
	return paragraphs
}

// whole word match so that e.g. "mayor" does not flag "may"
func containsWord(lower string, word string) bool {
	for offset := 0; ; {
		i := strings.Index(lower[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		startOk := start == 0 || !isWordRune(rune(lower[start-1]))
		endOk := end == len(lower) || !isWordRune(rune(lower[end]))
		if startOk && endOk {
			return true
		}
		offset = start + 1
	}
}

func isWordRune(r rune) bool {
	return 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9' || r == '_'
}

const SeedDocument1 = `A method for synchronizing edits across collaborative sessions, the method comprising receiving a stream of edit operations from a plurality of clients, ordering the operations with a vector clock, and applying the ordered operations to a shared document state.

The system may additionally buffer operations for approximately five seconds before applying them, so that out of order deliveries are substantially reduced.

The device maintains a persistent log of applied operations. The apparatus replays the log on restart to reconstruct the shared state.`

const SeedDocument2 = `An apparatus for monitoring network throughput, comprising a capture module configured to sample packet headers, and an aggregation module configured to compute rolling statistics over the sampled headers.

The aggregation module computes statistics over a window of generally one minute and publishes the statistics to subscribers.

Subscribers could filter the published statistics by interface identifier before display.`
