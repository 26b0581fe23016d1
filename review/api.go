package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// async client for the versioned document store.
// the session core does not depend on this. callers compose both
type RedlineApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
}

func NewRedlineApi(apiUrl string) *RedlineApi {
	return NewRedlineApiWithContext(context.Background(), apiUrl)
}

func NewRedlineApiWithContext(ctx context.Context, apiUrl string) *RedlineApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &RedlineApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

func (self *RedlineApi) Close() {
	self.cancel()
}

type GetDocumentCallback apiCallback[*Document]

// one stored version of a document
type Document struct {
	Id         int    `json:"id"`
	DocumentId int    `json:"document_id"`
	Version    int    `json:"version"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// the latest version of the document
func (self *RedlineApi) GetDocument(documentId int, callback GetDocumentCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/document/%d", self.apiUrl, documentId),
		&Document{},
		callback,
	)
}

func (self *RedlineApi) GetDocumentSync(documentId int) (*Document, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/document/%d", self.apiUrl, documentId),
		&Document{},
		NewNoopApiCallback[*Document](),
	)
}

func (self *RedlineApi) GetDocumentVersion(documentId int, version int, callback GetDocumentCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/document/%d?version=%d", self.apiUrl, documentId, version),
		&Document{},
		callback,
	)
}

func (self *RedlineApi) GetDocumentVersionSync(documentId int, version int) (*Document, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/document/%d?version=%d", self.apiUrl, documentId, version),
		&Document{},
		NewNoopApiCallback[*Document](),
	)
}

type GetDocumentVersionsCallback apiCallback[*DocumentVersionsResult]

type DocumentVersionInfo struct {
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
}

type DocumentVersionsResult struct {
	DocumentId    int                   `json:"document_id"`
	Versions      []DocumentVersionInfo `json:"versions"`
	LatestVersion int                   `json:"latest_version"`
}

func (self *RedlineApi) GetDocumentVersions(documentId int, callback GetDocumentVersionsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/document/%d/versions", self.apiUrl, documentId),
		&DocumentVersionsResult{},
		callback,
	)
}

func (self *RedlineApi) GetDocumentVersionsSync(documentId int) (*DocumentVersionsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/document/%d/versions", self.apiUrl, documentId),
		&DocumentVersionsResult{},
		NewNoopApiCallback[*DocumentVersionsResult](),
	)
}

type CreateDocumentVersionCallback apiCallback[*Document]

type DocumentContentArgs struct {
	Content string `json:"content"`
}

// appends a new head version
func (self *RedlineApi) CreateDocumentVersion(documentId int, createDocumentVersion *DocumentContentArgs, callback CreateDocumentVersionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/document/%d/version", self.apiUrl, documentId),
		createDocumentVersion,
		&Document{},
		callback,
	)
}

func (self *RedlineApi) CreateDocumentVersionSync(documentId int, createDocumentVersion *DocumentContentArgs) (*Document, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/document/%d/version", self.apiUrl, documentId),
		createDocumentVersion,
		&Document{},
		NewNoopApiCallback[*Document](),
	)
}

type UpdateDocumentVersionCallback apiCallback[*Document]

// edits one existing version in place
func (self *RedlineApi) UpdateDocumentVersion(documentId int, version int, updateDocumentVersion *DocumentContentArgs, callback UpdateDocumentVersionCallback) {
	go put(
		self.ctx,
		fmt.Sprintf("%s/document/%d/version/%d", self.apiUrl, documentId, version),
		updateDocumentVersion,
		&Document{},
		callback,
	)
}

func (self *RedlineApi) UpdateDocumentVersionSync(documentId int, version int, updateDocumentVersion *DocumentContentArgs) (*Document, error) {
	return put(
		self.ctx,
		fmt.Sprintf("%s/document/%d/version/%d", self.apiUrl, documentId, version),
		updateDocumentVersion,
		&Document{},
		NewNoopApiCallback[*Document](),
	)
}

type SaveDocumentCallback apiCallback[*SaveDocumentResult]

type SaveDocumentResult struct {
	DocumentId int    `json:"document_id"`
	Version    int    `json:"version"`
	Content    string `json:"content"`
}

// writes content to the latest version
func (self *RedlineApi) SaveDocument(documentId int, saveDocument *DocumentContentArgs, callback SaveDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/save/%d", self.apiUrl, documentId),
		saveDocument,
		&SaveDocumentResult{},
		callback,
	)
}

func (self *RedlineApi) SaveDocumentSync(documentId int, saveDocument *DocumentContentArgs) (*SaveDocumentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/save/%d", self.apiUrl, documentId),
		saveDocument,
		&SaveDocumentResult{},
		NewNoopApiCallback[*SaveDocumentResult](),
	)
}

// writes content to one specific version
func (self *RedlineApi) SaveDocumentVersion(documentId int, version int, saveDocument *DocumentContentArgs, callback SaveDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/save/%d?version=%d", self.apiUrl, documentId, version),
		saveDocument,
		&SaveDocumentResult{},
		callback,
	)
}

func (self *RedlineApi) SaveDocumentVersionSync(documentId int, version int, saveDocument *DocumentContentArgs) (*SaveDocumentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/save/%d?version=%d", self.apiUrl, documentId, version),
		saveDocument,
		&SaveDocumentResult{},
		NewNoopApiCallback[*SaveDocumentResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, result R, callback apiCallback[R]) (R, error) {
	return send(ctx, "POST", url, args, result, callback)
}

func put[R any](ctx context.Context, url string, args any, result R, callback apiCallback[R]) (R, error) {
	return send(ctx, "PUT", url, args, result, callback)
}

func send[R any](ctx context.Context, method string, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
