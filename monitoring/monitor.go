// Package monitoring serves a web page and a REST API over running command
// queue engines.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/cqhci/cqe"
	"github.com/sarchlab/cqhci/monitoring/web"
)

// Engine is what the monitor needs from a command queue engine.
type Engine interface {
	Name() string
	Status() cqe.Status
	Slots() []cqe.SlotInfo
	Registers() []string
	Halt(ctx context.Context) error
	Resume() error
}

// Monitor turns a process driving command queues into a server that shows
// and controls them.
type Monitor struct {
	portNumber  int
	haltTimeout time.Duration
	logger      *slog.Logger

	enginesLock sync.Mutex
	engines     map[string]Engine

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		haltTimeout: time.Second,
		logger:      slog.Default(),
		engines:     make(map[string]Engine),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger used for requests that change engine state.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	m.logger = l.With("component", "monitor")
	return m
}

// RegisterEngine registers an engine to be monitored.
func (m *Monitor) RegisterEngine(e Engine) {
	m.enginesLock.Lock()
	defer m.enginesLock.Unlock()

	m.engines[e.Name()] = e
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler serving the API and the web page.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_engines", m.listEngines)
	r.HandleFunc("/api/state/{name}", m.state)
	r.HandleFunc("/api/slots/{name}", m.slots)
	r.HandleFunc("/api/regs/{name}", m.registers)
	r.HandleFunc("/api/halt/{name}", m.halt).Methods(http.MethodPost)
	r.HandleFunc("/api/resume/{name}", m.resume).Methods(http.MethodPost)
	r.HandleFunc("/api/engine/{name}", m.engineDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring command queues with %s\n", url)

	srv := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := srv.Serve(listener)
		dieOnErr(err)
	}()

	return url
}

func (m *Monitor) listEngines(w http.ResponseWriter, _ *http.Request) {
	m.enginesLock.Lock()
	names := make([]string, 0, len(m.engines))
	for n := range m.engines {
		names = append(names, n)
	}
	m.enginesLock.Unlock()

	sort.Strings(names)

	writeJSON(w, names)
}

func (m *Monitor) state(w http.ResponseWriter, r *http.Request) {
	e := m.findEngineOr404(w, mux.Vars(r)["name"])
	if e == nil {
		return
	}

	writeJSON(w, e.Status())
}

func (m *Monitor) slots(w http.ResponseWriter, r *http.Request) {
	e := m.findEngineOr404(w, mux.Vars(r)["name"])
	if e == nil {
		return
	}

	slots := e.Slots()
	if slots == nil {
		slots = []cqe.SlotInfo{}
	}

	writeJSON(w, slots)
}

func (m *Monitor) registers(w http.ResponseWriter, r *http.Request) {
	e := m.findEngineOr404(w, mux.Vars(r)["name"])
	if e == nil {
		return
	}

	writeJSON(w, e.Registers())
}

func (m *Monitor) halt(w http.ResponseWriter, r *http.Request) {
	e := m.findEngineOr404(w, mux.Vars(r)["name"])
	if e == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.haltTimeout)
	defer cancel()

	m.logger.Info("halt requested", "engine", e.Name(), "remote", r.RemoteAddr)

	if err := e.Halt(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, e.Status())
}

func (m *Monitor) resume(w http.ResponseWriter, r *http.Request) {
	e := m.findEngineOr404(w, mux.Vars(r)["name"])
	if e == nil {
		return
	}

	m.logger.Info("resume requested", "engine", e.Name(), "remote", r.RemoteAddr)

	if err := e.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, e.Status())
}

// engineView is what the engine detail endpoints serialize.
type engineView struct {
	Status    cqe.Status
	Slots     []cqe.SlotInfo
	Registers []string
}

func snapshot(e Engine) *engineView {
	return &engineView{
		Status:    e.Status(),
		Slots:     e.Slots(),
		Registers: e.Registers(),
	}
}

func (m *Monitor) engineDetails(w http.ResponseWriter, r *http.Request) {
	e := m.findEngineOr404(w, mux.Vars(r)["name"])
	if e == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(snapshot(e))
	serializer.SetMaxDepth(2)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	EngineName string `json:"engine_name,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e := m.findEngineOr404(w, req.EngineName)
	if e == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(snapshot(e))
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findEngineOr404(w http.ResponseWriter, name string) Engine {
	m.enginesLock.Lock()
	e := m.engines[name]
	m.enginesLock.Unlock()

	if e == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Engine not found"))
		dieOnErr(err)
	}

	return e
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
