// Package catalog implements the Stream aggregate (source, operations,
// sink, monitor and pipeline for a single named acquisition run) and
// the Catalog registry that maps item type names to constructors for
// persistence and construction from user input.
package catalog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/facqio/facqcore/internal/pipeline"
)

// ItemKind classifies a catalog entry.
type ItemKind int

const (
	KindSource ItemKind = iota
	KindOperation
	KindSink
)

func (k ItemKind) String() string {
	switch k {
	case KindSource:
		return "SOURCE"
	case KindOperation:
		return "OPERATION"
	case KindSink:
		return "SINK"
	default:
		return "UNKNOWN"
	}
}

// Params is the flat key-value parameter set an item's constructors and
// save hook operate on.
type Params map[string]string

// SourceFactory builds a pipeline.Source from its saved parameters.
type SourceFactory func(Params) (pipeline.Source, error)

// OperationFactory builds a pipeline.Operation from its saved parameters.
type OperationFactory func(Params) (pipeline.Operation, error)

// SinkFactory builds a pipeline.Sink from its saved parameters.
type SinkFactory func(Params) (pipeline.Sink, error)

// Catalog is a registry mapping an item type name to its kind and
// constructor.
type Catalog struct {
	sources    map[string]SourceFactory
	operations map[string]OperationFactory
	sinks      map[string]SinkFactory
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		sources:    make(map[string]SourceFactory),
		operations: make(map[string]OperationFactory),
		sinks:      make(map[string]SinkFactory),
	}
}

// RegisterSource adds a named source type to the catalog.
func (c *Catalog) RegisterSource(name string, f SourceFactory) { c.sources[name] = f }

// RegisterOperation adds a named operation type to the catalog.
func (c *Catalog) RegisterOperation(name string, f OperationFactory) { c.operations[name] = f }

// RegisterSink adds a named sink type to the catalog.
func (c *Catalog) RegisterSink(name string, f SinkFactory) { c.sinks[name] = f }

// NewSource constructs a registered source by name. It fails if name is
// unregistered.
func (c *Catalog) NewSource(name string, p Params) (pipeline.Source, error) {
	f, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("catalog: %q is not a registered source type", name)
	}
	return f(p)
}

// NewOperation constructs a registered operation by name.
func (c *Catalog) NewOperation(name string, p Params) (pipeline.Operation, error) {
	f, ok := c.operations[name]
	if !ok {
		return nil, fmt.Errorf("catalog: %q is not a registered operation type", name)
	}
	return f(p)
}

// NewSink constructs a registered sink by name.
func (c *Catalog) NewSink(name string, p Params) (pipeline.Sink, error) {
	f, ok := c.sinks[name]
	if !ok {
		return nil, fmt.Errorf("catalog: %q is not a registered sink type", name)
	}
	return f(p)
}

// namedItem pairs a live pipeline item with the catalog type name it
// was constructed from, so Stream.Save can write back a
// [<ItemName>,<index>] section.
type namedItem struct {
	typeName string
	params   Params
}

// Stream holds a name, one source, zero or more ordered operations, one
// sink, a monitor, and — while running — a pipeline. Construction order
// is enforced: a source can only be set while both source and sink are
// absent; operations can only be appended once a source is present and
// before a sink is set; the sink can only be set once a source is
// present.
type Stream struct {
	Name string

	source     pipeline.Source
	sourceMeta namedItem
	sourceSet  bool

	operations     []pipeline.Operation
	operationsMeta []namedItem

	sink     pipeline.Sink
	sinkMeta namedItem
	sinkSet  bool

	monitor  *pipeline.Monitor
	pl       *pipeline.Pipeline
	ringSize int
}

// NewStream returns an empty, unconfigured Stream.
func NewStream(name string) *Stream {
	return &Stream{Name: name, ringSize: 8}
}

// SetSource installs the stream's source. Only valid while no source
// and no sink are set.
func (s *Stream) SetSource(typeName string, params Params, src pipeline.Source) error {
	if s.sourceSet {
		return fmt.Errorf("catalog: stream %q already has a source", s.Name)
	}
	if s.sinkSet {
		return fmt.Errorf("catalog: stream %q: cannot set source after sink", s.Name)
	}
	s.source = src
	s.sourceMeta = namedItem{typeName: typeName, params: params}
	s.sourceSet = true
	return nil
}

// AppendOperation appends an operation. Only valid once a source is
// present and before a sink is set.
func (s *Stream) AppendOperation(typeName string, params Params, op pipeline.Operation) error {
	if !s.sourceSet {
		return fmt.Errorf("catalog: stream %q: cannot append operation before source", s.Name)
	}
	if s.sinkSet {
		return fmt.Errorf("catalog: stream %q: cannot append operation after sink", s.Name)
	}
	s.operations = append(s.operations, op)
	s.operationsMeta = append(s.operationsMeta, namedItem{typeName: typeName, params: params})
	return nil
}

// SetSink installs the stream's sink. Only valid once a source is
// present.
func (s *Stream) SetSink(typeName string, params Params, sink pipeline.Sink) error {
	if !s.sourceSet {
		return fmt.Errorf("catalog: stream %q: cannot set sink before source", s.Name)
	}
	if s.sinkSet {
		return fmt.Errorf("catalog: stream %q already has a sink", s.Name)
	}
	s.sink = sink
	s.sinkMeta = namedItem{typeName: typeName, params: params}
	s.sinkSet = true
	return nil
}

// RemoveSink undoes SetSink.
func (s *Stream) RemoveSink() {
	s.sink = nil
	s.sinkMeta = namedItem{}
	s.sinkSet = false
}

// RemoveLastOperation undoes the most recent AppendOperation.
func (s *Stream) RemoveLastOperation() {
	if len(s.operations) == 0 {
		return
	}
	s.operations = s.operations[:len(s.operations)-1]
	s.operationsMeta = s.operationsMeta[:len(s.operationsMeta)-1]
}

// RemoveSource undoes SetSource. Only valid once the sink has already
// been removed, mirroring the last-in-first-out construction order.
func (s *Stream) RemoveSource() error {
	if s.sinkSet {
		return fmt.Errorf("catalog: stream %q: cannot remove source before sink", s.Name)
	}
	if len(s.operations) > 0 {
		return fmt.Errorf("catalog: stream %q: cannot remove source before operations", s.Name)
	}
	s.source = nil
	s.sourceMeta = namedItem{}
	s.sourceSet = false
	return nil
}

// IsClosed reports whether both a source and a sink are present, the
// precondition for Start.
func (s *Stream) IsClosed() bool { return s.sourceSet && s.sinkSet }

// SetRingSize overrides the default ring buffer size used by Start.
func (s *Stream) SetRingSize(n int) { s.ringSize = n }

// Monitor returns the stream's monitor. It is non-nil only between a
// successful Start and the following Stop.
func (s *Stream) Monitor() *pipeline.Monitor { return s.monitor }

// SinkParams returns the parameters the sink was constructed from, for
// callers that need to locate the sink's own output (e.g. a file path)
// without reaching into the sink itself through a type assertion.
func (s *Stream) SinkParams() Params { return s.sinkMeta.params }

// chunkBytes computes a chunk size from the source's period: a few
// hundred milliseconds worth of data for sub-second periods, otherwise
// one slice.
func chunkBytes(period float64, nChannels int) int {
	sliceBytes := nChannels * 8
	if period <= 0 {
		return sliceBytes
	}
	if period < 1 {
		slices := int(0.3 / period)
		if slices < 1 {
			slices = 1
		}
		return slices * sliceBytes
	}
	return sliceBytes
}

// Start requires IsClosed. It builds a fresh monitor and pipeline and
// starts it. On failure the monitor is detached and the error is
// propagated; the stream is left usable for a subsequent Start attempt.
func (s *Stream) Start() error {
	if !s.IsClosed() {
		return fmt.Errorf("catalog: stream %q is not closed (needs both a source and a sink)", s.Name)
	}

	sd := s.source.StreamData()
	if sd == nil {
		return fmt.Errorf("catalog: stream %q: source returned nil stream data", s.Name)
	}

	s.monitor = pipeline.NewMonitor()
	cb := chunkBytes(sd.Period(), sd.NChannels())

	pl, err := pipeline.New(s.source, s.operations, s.sink, s.ringSize, cb, s.monitor)
	if err != nil {
		s.monitor = nil
		return fmt.Errorf("catalog: stream %q: building pipeline: %w", s.Name, err)
	}
	if err := pl.Start(); err != nil {
		s.monitor = nil
		return fmt.Errorf("catalog: stream %q: starting pipeline: %w", s.Name, err)
	}
	s.pl = pl
	return nil
}

// Stop sets the ring's exit flag, joins both workers, and detaches the
// pipeline and monitor. A no-op if the stream is not running.
func (s *Stream) Stop() {
	if s.pl == nil {
		return
	}
	s.pl.Stop()
	s.pl = nil
	s.monitor = nil
}

// State reports the underlying pipeline's lifecycle state, or
// pipeline.StateIdle if the stream was never started.
func (s *Stream) State() pipeline.State {
	if s.pl == nil {
		return pipeline.StateIdle
	}
	return s.pl.State()
}

// Save writes the stream as an INI-style key file: a [Stream] section
// with the name, then one [<ItemName>,<index>] section per item in
// pipeline order (source at index 0, operations in the middle, sink
// last), each populated with that item's saved parameters.
func (s *Stream) Save(path string) error {
	if !s.IsClosed() {
		return fmt.Errorf("catalog: stream %q: cannot save an unclosed stream", s.Name)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("catalog: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "[Stream]\n")
	fmt.Fprintf(w, "name=%s\n\n", s.Name)

	index := 0
	writeSection := func(item namedItem) {
		fmt.Fprintf(w, "[%s,%d]\n", item.typeName, index)
		for k, v := range item.params {
			fmt.Fprintf(w, "%s=%s\n", k, v)
		}
		fmt.Fprintln(w)
		index++
	}

	writeSection(s.sourceMeta)
	for _, m := range s.operationsMeta {
		writeSection(m)
	}
	writeSection(s.sinkMeta)

	return w.Flush()
}

// iniGroup is one [<ItemName>,<index>] section parsed from a key file.
type iniGroup struct {
	typeName string
	index    int
	params   Params
}

// Load reads a key file previously written by Save, resolves each
// item's type name through cat, and rebuilds a fully-closed Stream.
// Group index 0 must resolve to a source, the last group to a sink, and
// everything in between to operations, in file order.
func Load(path string, cat *Catalog) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	defer f.Close()

	var name string
	var groups []iniGroup
	var current *iniGroup
	inStreamSection := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header := line[1 : len(line)-1]
			if header == "Stream" {
				inStreamSection = true
				if current != nil {
					groups = append(groups, *current)
					current = nil
				}
				continue
			}
			inStreamSection = false
			if current != nil {
				groups = append(groups, *current)
			}
			typeName, idx, err := parseGroupHeader(header)
			if err != nil {
				return nil, fmt.Errorf("catalog: %s: %w", path, err)
			}
			current = &iniGroup{typeName: typeName, index: idx, params: Params{}}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("catalog: %s: malformed line %q", path, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if inStreamSection {
			if key == "name" {
				name = value
			}
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("catalog: %s: key %q outside any section", path, key)
		}
		current.params[key] = value
	}
	if current != nil {
		groups = append(groups, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	if name == "" {
		return nil, fmt.Errorf("catalog: %s: missing [Stream] name", path)
	}
	if len(groups) < 2 {
		return nil, fmt.Errorf("catalog: %s: stream needs at least a source and a sink group", path)
	}

	stream := NewStream(name)

	first := groups[0]
	src, err := cat.NewSource(first.typeName, first.params)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: group 0: %w", path, err)
	}
	if err := stream.SetSource(first.typeName, first.params, src); err != nil {
		return nil, err
	}

	for _, g := range groups[1 : len(groups)-1] {
		op, err := cat.NewOperation(g.typeName, g.params)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: group %d: %w", path, g.index, err)
		}
		if err := stream.AppendOperation(g.typeName, g.params, op); err != nil {
			return nil, err
		}
	}

	last := groups[len(groups)-1]
	sink, err := cat.NewSink(last.typeName, last.params)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: group %d: %w", path, last.index, err)
	}
	if err := stream.SetSink(last.typeName, last.params, sink); err != nil {
		return nil, err
	}

	return stream, nil
}

// parseGroupHeader splits a "[<ItemName>,<index>]" header (without the
// brackets) into its type name and index.
func parseGroupHeader(header string) (string, int, error) {
	name, idxStr, ok := strings.Cut(header, ",")
	if !ok {
		return "", 0, fmt.Errorf("malformed section header %q, want <ItemName>,<index>", header)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(idxStr))
	if err != nil {
		return "", 0, fmt.Errorf("malformed section index in %q: %w", header, err)
	}
	return strings.TrimSpace(name), idx, nil
}
