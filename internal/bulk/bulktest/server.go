// Package bulktest provides an in-memory fake of the bulk-job API for tests.
package bulktest

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Route names used for failure injection and call counting
const (
	RouteLogin         = "login"
	RouteCreateJob     = "create_job"
	RouteCreateBatch   = "create_batch"
	RouteJobState      = "job_state"
	RouteBatchStatuses = "batch_statuses"
	RouteBatchResult   = "batch_result"
	RouteJobStatus     = "job_status"
	RouteCreateRecord  = "create_record"
)

// Token is the access token issued by the fake login
const Token = "00Dtest!token"

// RowResult decides the outcome of one data row
type RowResult func(row string) (success bool, errMsg string)

// Job is a job held by the fake
type Job struct {
	ID              string
	Object          string
	Operation       string
	ExternalIDField string
	ContentType     string
	State           string
	Batches         []*Batch
}

// Batch is a batch held by the fake
type Batch struct {
	ID              string
	JobID           string
	Payload         string
	ContentEncoding string
	State           string
	StateMessage    string
	Polls           int
	Processed       int
	Failed          int
	results         []rowOutcome
}

type rowOutcome struct {
	success bool
	errMsg  string
}

// Rows returns the data rows of the payload, header excluded
func (b *Batch) Rows() []string {
	body := strings.SplitN(b.Payload, "\n", 2)
	if len(body) < 2 || body[1] == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(body[1], "\n"), "\n")
}

// Header returns the first payload line
func (b *Batch) Header() string {
	return strings.SplitN(b.Payload, "\n", 2)[0]
}

type failure struct {
	status int
	body   string
	times  int
}

// Server is a fake bulk-job API
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// PollsToComplete is the number of status queries after which a batch
	// reaches its final state. Default 1.
	PollsToComplete int
	// FinalState returns the terminal state of a batch. Default Completed.
	FinalState func(b *Batch) string
	// RowResult decides row outcomes. Default: every row succeeds.
	RowResult RowResult
	// ResultBody overrides the result feed of a batch when it returns ok=true
	ResultBody func(b *Batch) (body string, ok bool)
	// RecordsFailedOverride replaces the job's failed-record count when set
	RecordsFailedOverride *int

	jobs     map[string]*Job
	order    []string
	records  []Record
	failures map[string][]*failure
	calls    map[string]int
	nextID   int
}

// Record is a record created through the REST endpoint
type Record struct {
	SObject string
	Fields  map[string]interface{}
}

// NewServer starts a fake API
func NewServer() *Server {
	s := &Server{
		PollsToComplete: 1,
		jobs:            make(map[string]*Job),
		failures:        make(map[string][]*failure),
		calls:           make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /services/oauth2/token", s.route(RouteLogin, false, s.handleLogin))
	mux.HandleFunc("POST /services/async/{v}/job", s.route(RouteCreateJob, true, s.handleCreateJob))
	mux.HandleFunc("POST /services/async/{v}/job/{id}", s.route(RouteJobState, true, s.handleJobState))
	mux.HandleFunc("GET /services/async/{v}/job/{id}", s.route(RouteJobStatus, true, s.handleJobStatus))
	mux.HandleFunc("POST /services/async/{v}/job/{id}/batch", s.route(RouteCreateBatch, true, s.handleCreateBatch))
	mux.HandleFunc("GET /services/async/{v}/job/{id}/batch", s.route(RouteBatchStatuses, true, s.handleBatchStatuses))
	mux.HandleFunc("GET /services/async/{v}/job/{id}/batch/{bid}/result", s.route(RouteBatchResult, true, s.handleBatchResult))
	mux.HandleFunc("POST /services/data/{v}/sobjects/{type}", s.route(RouteCreateRecord, true, s.handleCreateRecord))

	s.Server = httptest.NewServer(mux)
	return s
}

// Fail makes the next `times` calls of route answer with status and body
func (s *Server) Fail(route string, status int, body string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], &failure{status: status, body: body, times: times})
}

// Calls returns how many times a route was hit, failures included
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Jobs returns the jobs in creation order
func (s *Server) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id])
	}
	return jobs
}

// Records returns the records created through the REST endpoint
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *Server) route(name string, auth bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[name]++
		var f *failure
		if queue := s.failures[name]; len(queue) > 0 {
			f = queue[0]
			f.times--
			if f.times <= 0 {
				s.failures[name] = queue[1:]
			}
		}
		s.mu.Unlock()

		if f != nil {
			w.WriteHeader(f.status)
			io.WriteString(w, f.body)
			return
		}
		if auth && (r.Header.Get("Authorization") != "Bearer "+Token || r.Header.Get("X-SFDC-Session") != Token) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"exceptionCode":    "InvalidSessionId",
				"exceptionMessage": "Invalid session id",
			})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%012d", prefix, s.nextID)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("username") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "authentication failure",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": Token,
		"instance_url": s.URL,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Operation           string `json:"operation"`
		Object              string `json:"object"`
		ExternalIDFieldName string `json:"externalIdFieldName"`
		ContentType         string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"exceptionCode": "InvalidJob", "exceptionMessage": err.Error()})
		return
	}

	s.mu.Lock()
	j := &Job{
		ID:              s.id("750"),
		Object:          in.Object,
		Operation:       in.Operation,
		ExternalIDField: in.ExternalIDFieldName,
		ContentType:     in.ContentType,
		State:           "Open",
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":                  j.ID,
		"operation":           j.Operation,
		"object":              j.Object,
		"externalIdFieldName": j.ExternalIDField,
		"contentType":         j.ContentType,
		"state":               j.State,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Job, bool) {
	j, ok := s.jobs[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"exceptionCode": "InvalidJob", "exceptionMessage": "Unable to find job"})
	}
	return j, ok
}

func (s *Server) handleJobState(w http.ResponseWriter, r *http.Request) {
	var in struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"exceptionCode": "InvalidJob", "exceptionMessage": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	// a closed job may still be aborted
	if j.State != "Open" && !(j.State == "Closed" && in.State == "Aborted") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"exceptionCode": "InvalidJobState", "exceptionMessage": "Job is " + j.State})
		return
	}
	j.State = in.State
	writeJSON(w, http.StatusOK, map[string]string{"id": j.ID, "state": j.State})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"exceptionCode": "InvalidBatch", "exceptionMessage": err.Error()})
			return
		}
		defer gz.Close()
		body = gz
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"exceptionCode": "InvalidBatch", "exceptionMessage": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if j.State != "Open" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"exceptionCode": "InvalidJobState", "exceptionMessage": "Job is " + j.State})
		return
	}
	b := &Batch{
		ID:              s.id("751"),
		JobID:           j.ID,
		Payload:         string(payload),
		ContentEncoding: r.Header.Get("Content-Encoding"),
		State:           "Queued",
	}
	j.Batches = append(j.Batches, b)
	writeJSON(w, http.StatusCreated, batchDoc(b))
}

func batchDoc(b *Batch) map[string]interface{} {
	doc := map[string]interface{}{
		"id":                     b.ID,
		"jobId":                  b.JobID,
		"state":                  b.State,
		"numberRecordsProcessed": b.Processed,
		"numberRecordsFailed":    b.Failed,
	}
	if b.StateMessage != "" {
		doc["stateMessage"] = b.StateMessage
	}
	return doc
}

// advance moves a batch one poll forward. Caller holds s.mu.
func (s *Server) advance(b *Batch) {
	if b.State == "Completed" || b.State == "Failed" || b.State == "Not Processed" || b.State == "NotProcessed" {
		return
	}
	b.Polls++
	if b.Polls < s.PollsToComplete {
		b.State = "InProgress"
		return
	}

	state := "Completed"
	if s.FinalState != nil {
		state = s.FinalState(b)
	}
	b.State = state
	if state != "Completed" {
		b.StateMessage = "batch " + strings.ToLower(state)
		return
	}

	for _, row := range b.Rows() {
		ok, msg := true, ""
		if s.RowResult != nil {
			ok, msg = s.RowResult(row)
		}
		b.results = append(b.results, rowOutcome{success: ok, errMsg: msg})
		b.Processed++
		if !ok {
			b.Failed++
		}
	}
}

func (s *Server) handleBatchStatuses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	list := make([]map[string]interface{}, 0, len(j.Batches))
	for _, b := range j.Batches {
		s.advance(b)
		list = append(list, batchDoc(b))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batchInfo": list})
}

func (s *Server) handleBatchResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var b *Batch
	for _, candidate := range j.Batches {
		if candidate.ID == r.PathValue("bid") {
			b = candidate
		}
	}
	if b == nil || b.State != "Completed" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"exceptionCode": "InvalidBatch", "exceptionMessage": "Batch not completed"})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	if s.ResultBody != nil {
		if body, ok := s.ResultBody(b); ok {
			io.WriteString(w, body)
			return
		}
	}
	cw := csv.NewWriter(w)
	cw.Write([]string{"Id", "Success", "Created", "Error"})
	for i, res := range b.results {
		id := ""
		if res.success {
			id = fmt.Sprintf("001%s%04d", b.ID[len(b.ID)-4:], i)
		}
		cw.Write([]string{id, strconv.FormatBool(res.success), strconv.FormatBool(res.success), res.errMsg})
	}
	cw.Flush()
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var completed, failedBatches, processed, failed int
	for _, b := range j.Batches {
		switch b.State {
		case "Completed":
			completed++
		case "Failed", "NotProcessed":
			failedBatches++
		}
		processed += b.Processed
		failed += b.Failed
	}
	if s.RecordsFailedOverride != nil {
		failed = *s.RecordsFailedOverride
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                     j.ID,
		"object":                 j.Object,
		"operation":              j.Operation,
		"state":                  j.State,
		"numberBatchesTotal":     len(j.Batches),
		"numberBatchesCompleted": completed,
		"numberBatchesFailed":    failedBatches,
		"numberRecordsProcessed": processed,
		"numberRecordsFailed":    failed,
	})
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, []map[string]string{{"errorCode": "JSON_PARSER_ERROR", "message": err.Error()}})
		return
	}

	s.mu.Lock()
	s.records = append(s.records, Record{SObject: r.PathValue("type"), Fields: fields})
	id := s.id("00T")
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "success": true, "errors": []string{}})
}
