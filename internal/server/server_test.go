package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
	"github.com/sanonone/tyrantdb/pkg/engine"
)

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	opts := engine.DefaultOptions(t.TempDir())
	opts.AutoSaveInterval = 0
	opts.AofRewritePercentage = 0
	eng, err := engine.Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = "127.0.0.1:0"
	}
	s := NewServer(eng, cfg)
	if err := s.Start(); err != nil {
		eng.Close()
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		s.Shutdown()
		eng.Close()
	})
	return s
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, s *Server) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(name string, args ...string) {
	c.t.Helper()
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(protocol.AppendCommandStrings(nil, name, args...)); err != nil {
		c.t.Fatalf("write %s failed: %v", name, err)
	}
}

func (c *testConn) read() protocol.Reply {
	c.t.Helper()
	rep, err := protocol.ReadReply(c.r)
	if err != nil {
		c.t.Fatalf("read reply failed: %v", err)
	}
	return rep
}

func (c *testConn) do(name string, args ...string) protocol.Reply {
	c.t.Helper()
	c.send(name, args...)
	return c.read()
}

func bulks(rep protocol.Reply) []string {
	out := make([]string, 0, len(rep.Array))
	for _, r := range rep.Array {
		out = append(out, string(r.Bulk))
	}
	return out
}

func TestRecordCommands(t *testing.T) {
	s := startServer(t, ServerConfig{})
	c := dial(t, s)

	steps := []struct {
		name string
		args []string
		want protocol.Reply
	}{
		{"PING", nil, protocol.Reply{Type: protocol.TypeSimple, Str: "PONG"}},
		{"PUT", []string{"a", "1"}, protocol.Reply{Type: protocol.TypeSimple, Str: "OK"}},
		{"PUTKEEP", []string{"a", "2"}, protocol.Reply{Type: protocol.TypeError, Kind: protocol.KindExists}},
		{"PUTCAT", []string{"a", "23"}, protocol.Reply{Type: protocol.TypeSimple, Str: "OK"}},
		{"GET", []string{"a"}, protocol.Reply{Type: protocol.TypeBulk, Bulk: []byte("123")}},
		{"VSIZ", []string{"a"}, protocol.Reply{Type: protocol.TypeInt, Int: 3}},
		{"PUTSHL", []string{"log", "abcdef", "4"}, protocol.Reply{Type: protocol.TypeSimple, Str: "OK"}},
		{"GET", []string{"log"}, protocol.Reply{Type: protocol.TypeBulk, Bulk: []byte("cdef")}},
		{"ADDDOUBLE", []string{"n", "1.5"}, protocol.Reply{Type: protocol.TypeBulk, Bulk: []byte("1.5")}},
		{"ADDDOUBLE", []string{"n", "1"}, protocol.Reply{Type: protocol.TypeBulk, Bulk: []byte("2.5")}},
		{"ADDDOUBLE", []string{"log", "1"}, protocol.Reply{Type: protocol.TypeError, Kind: protocol.KindType}},
		{"RNUM", nil, protocol.Reply{Type: protocol.TypeInt, Int: 3}},
		{"OUT", []string{"missing"}, protocol.Reply{Type: protocol.TypeError, Kind: protocol.KindNotFound}},
		{"GET", nil, protocol.Reply{Type: protocol.TypeError, Kind: protocol.KindValidation}},
		{"NOPE", nil, protocol.Reply{Type: protocol.TypeError, Kind: protocol.KindGeneric}},
	}
	for i, st := range steps {
		got := c.do(st.name, st.args...)
		// Error messages are free text; compare the kind only.
		if got.Type == protocol.TypeError {
			got.Str = ""
		}
		if !reflect.DeepEqual(got, st.want) {
			t.Errorf("step %d %s %v = %#v, want %#v", i, st.name, st.args, got, st.want)
		}
	}
}

func TestBatchCommands(t *testing.T) {
	s := startServer(t, ServerConfig{})
	c := dial(t, s)

	// 1. MPUT
	if rep := c.do("MPUT", "k1", "v1", "k2", "v2", "k3", "v3"); rep.Int != 3 {
		t.Fatalf("MPUT = %#v, want 3", rep)
	}
	if rep := c.do("MPUT", "odd"); rep.Kind != protocol.KindValidation {
		t.Errorf("MPUT with odd arguments = %#v", rep)
	}

	// 2. MGET keeps request order, skips missing keys, ignores duplicates
	rep := c.do("MGET", "k3", "nope", "k1", "k3")
	if got, want := bulks(rep), []string{"k3", "v3", "k1", "v1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("MGET = %q, want %q", got, want)
	}

	// 3. MOUT
	rep = c.do("MOUT", "k1", "gone", "k2")
	if len(rep.Array) != 2 || rep.Array[0].Int != 2 {
		t.Fatalf("MOUT = %#v", rep)
	}
	if got := bulks(rep.Array[1]); !reflect.DeepEqual(got, []string{"gone"}) {
		t.Errorf("MOUT missing = %q", got)
	}

	// 4. Iteration sees the remaining key only
	if rep := c.do("ITERNEXT"); rep.Kind != protocol.KindValidation {
		t.Errorf("ITERNEXT before ITERINIT = %#v", rep)
	}
	c.do("ITERINIT")
	if rep := c.do("ITERNEXT"); string(rep.Bulk) != "k3" {
		t.Errorf("ITERNEXT = %#v, want k3", rep)
	}
	if rep := c.do("ITERNEXT"); !rep.Null {
		t.Errorf("exhausted ITERNEXT = %#v, want null", rep)
	}

	// 5. PUTNR sends no reply: the next reply belongs to the PING
	c.send("PUTNR", "quiet", "x")
	if rep := c.do("PING"); rep.Str != "PONG" {
		t.Fatalf("reply after PUTNR = %#v", rep)
	}
	if rep := c.do("GET", "quiet"); string(rep.Bulk) != "x" {
		t.Errorf("GET quiet = %#v", rep)
	}

	// 6. VANISH clears records but not tuples
	c.do("TPUT", "t1", "replace", "a", "1")
	c.do("VANISH")
	if rep := c.do("RNUM"); rep.Int != 0 {
		t.Errorf("RNUM after VANISH = %d", rep.Int)
	}
	if rep := c.do("TRNUM"); rep.Int != 1 {
		t.Errorf("TRNUM after VANISH = %d", rep.Int)
	}
}

func TestPipelinedCommands(t *testing.T) {
	s := startServer(t, ServerConfig{})
	c := dial(t, s)

	var batch []byte
	for i := 0; i < 100; i++ {
		batch = protocol.AppendCommandStrings(batch, "ADDDOUBLE", "ctr", "1")
	}
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(batch); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	for i := 1; i <= 100; i++ {
		rep := c.read()
		if want := core.FormatNumber(float64(i)); string(rep.Bulk) != want {
			t.Fatalf("reply %d = %#v, want %s", i, rep, want)
		}
	}
}

func TestTableCommands(t *testing.T) {
	s := startServer(t, ServerConfig{})
	c := dial(t, s)

	// 1. Tuples and an index
	c.do("TPUT", "u1", "replace", "name", "Alice", "age", "31")
	c.do("TPUT", "u2", "replace", "name", "Bob", "age", "25")
	c.do("TPUT", "u3", "replace", "name", "Carol", "age", "40")
	if rep := c.do("TPUT", "u1", "keep", "name", "X"); rep.Kind != protocol.KindExists {
		t.Errorf("TPUT keep on existing = %#v", rep)
	}
	if rep := c.do("TPUT", "u9", "replace", "name"); rep.Kind != protocol.KindValidation {
		t.Errorf("TPUT with odd columns = %#v", rep)
	}
	if rep := c.do("TSETINDEX", "age", "DECIMAL"); rep.Str != "OK" {
		t.Fatalf("TSETINDEX = %#v", rep)
	}
	if rep := c.do("TSETINDEX", "age", "NOPE"); rep.Kind != protocol.KindValidation {
		t.Errorf("TSETINDEX with bad kind = %#v", rep)
	}

	// 2. TGET replies with sorted column/value pairs
	rep := c.do("TGET", "u1")
	if got, want := bulks(rep), []string{"age", "31", "name", "Alice"}; !reflect.DeepEqual(got, want) {
		t.Errorf("TGET = %q, want %q", got, want)
	}
	if rep := c.do("TADDDOUBLE", "u2", "2"); string(rep.Bulk) != "2" {
		t.Errorf("TADDDOUBLE = %#v", rep)
	}

	// 3. TSEARCH terminals
	limit := 10
	spec, err := core.EncodeQuerySpec(core.QuerySpec{
		Conditions:  []core.ConditionSpec{{Column: "age", Op: "NUMGE", Operand: "30"}},
		OrderColumn: "age",
		Order:       "NUMDESC",
		Limit:       &limit,
	})
	if err != nil {
		t.Fatalf("EncodeQuerySpec failed: %v", err)
	}
	rep = c.do("TSEARCH", protocol.SearchList, string(spec))
	if got, want := bulks(rep), []string{"u3", "u1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("TSEARCH LIST = %q, want %q", got, want)
	}
	if rep := c.do("TSEARCH", protocol.SearchCount, string(spec)); rep.Int != 2 {
		t.Errorf("TSEARCH COUNT = %#v", rep)
	}
	rep = c.do("TSEARCH", protocol.SearchGet, string(spec))
	if len(rep.Array) != 2 || string(rep.Array[0].Array[0].Bulk) != "u3" {
		t.Fatalf("TSEARCH GET = %#v", rep)
	}
	if rep := c.do("TSEARCH", protocol.SearchHint, string(spec)); !strings.Contains(strings.ToLower(string(rep.Bulk)), "age") {
		t.Errorf("TSEARCH HINT = %q", rep.Bulk)
	}
	if rep := c.do("TSEARCH", protocol.SearchOut, string(spec)); rep.Str != "OK" {
		t.Fatalf("TSEARCH OUT = %#v", rep)
	}
	if rep := c.do("TRNUM"); rep.Int != 1 {
		t.Errorf("TRNUM after TSEARCH OUT = %d, want 1", rep.Int)
	}
	if rep := c.do("TSEARCH", "BOGUS", string(spec)); rep.Kind != protocol.KindValidation {
		t.Errorf("TSEARCH with bad terminal = %#v", rep)
	}
	if rep := c.do("TSEARCH", protocol.SearchList, "not msgpack"); rep.Kind != protocol.KindValidation {
		t.Errorf("TSEARCH with bad query payload = %#v", rep)
	}

	// 4. Table iteration
	c.do("TITERINIT")
	if rep := c.do("TITERNEXT"); string(rep.Bulk) != "u2" {
		t.Errorf("TITERNEXT = %#v", rep)
	}
	if rep := c.do("TITERNEXT"); !rep.Null {
		t.Errorf("exhausted TITERNEXT = %#v", rep)
	}
}

func TestCopyRestoreAndStat(t *testing.T) {
	s := startServer(t, ServerConfig{})
	c := dial(t, s)
	backup := filepath.Join(t.TempDir(), "backup.db")

	c.do("PUT", "k", "v")
	c.do("TPUT", "t", "replace", "c", "1")
	if rep := c.do("COPY", backup); rep.Str != "OK" {
		t.Fatalf("COPY = %#v", rep)
	}
	c.do("PUT", "later", "x")
	if rep := c.do("RESTORE", backup); rep.Str != "OK" {
		t.Fatalf("RESTORE = %#v", rep)
	}
	if rep := c.do("GET", "later"); rep.Kind != protocol.KindNotFound {
		t.Errorf("GET after RESTORE = %#v, want NOTFOUND", rep)
	}
	if rep := c.do("TGET", "t"); len(rep.Array) != 2 {
		t.Errorf("TGET after RESTORE = %#v", rep)
	}

	rep := c.do("STAT")
	stat := string(rep.Bulk)
	if !strings.Contains(stat, "rnum\t1\n") || !strings.Contains(stat, "tnum\t1\n") {
		t.Errorf("STAT = %q", stat)
	}
	if rep := c.do("SYNC"); rep.Str != "OK" {
		t.Errorf("SYNC = %#v", rep)
	}
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	s := startServer(t, ServerConfig{})
	c := dial(t, s)

	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	c.conn.Write([]byte("*1\r\n:oops\r\n"))
	if rep := c.read(); rep.Kind != protocol.KindProtocol {
		t.Fatalf("reply = %#v, want PROTOCOL error", rep)
	}
	if _, err := protocol.ReadReply(c.r); err == nil {
		t.Error("connection still open after protocol error")
	}
}

func TestQuitAndMaxConnections(t *testing.T) {
	s := startServer(t, ServerConfig{MaxConnections: 1})
	c := dial(t, s)
	if rep := c.do("QUIT"); rep.Str != "OK" {
		t.Fatalf("QUIT = %#v", rep)
	}
	if _, err := protocol.ReadReply(c.r); err == nil {
		t.Error("connection still open after QUIT")
	}

	// The slot is released asynchronously after QUIT.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c2 := dial(t, s)
		c2.send("PING")
		rep, err := protocol.ReadReply(c2.r)
		if err == nil && rep.Str == "PONG" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second connection rejected: %#v %v", rep, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	c3 := dial(t, s)
	if rep := c3.read(); rep.Kind != protocol.KindGeneric {
		t.Errorf("connection over the limit = %#v", rep)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	s := startServer(t, ServerConfig{HTTPAddr: "127.0.0.1:0"})
	base := "http://" + s.HTTPAddr().String()
	c := dial(t, s)
	c.do("PUT", "k", "v")

	// 1. Health
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz expected 200, got %d", resp.StatusCode)
	}

	// 2. Metrics carry the refreshed gauges
	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body := new(strings.Builder)
	bufio.NewReader(resp.Body).WriteTo(body)
	resp.Body.Close()
	if !strings.Contains(body.String(), "tyrantdb_records_total 1") {
		t.Errorf("metrics do not report the record count")
	}

	// 3. Save
	resp, err = http.Post(base+"/system/save", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /system/save failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("save expected 200, got %d", resp.StatusCode)
	}

	// 4. Async copy, polled through the task endpoint
	backup := filepath.Join(t.TempDir(), "copy.db")
	resp, err = http.Post(base+"/system/copy", "application/json", strings.NewReader(`{"path":"`+backup+`"}`))
	if err != nil {
		t.Fatalf("POST /system/copy failed: %v", err)
	}
	var task TaskInfo
	json.NewDecoder(resp.Body).Decode(&task)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || task.ID == "" {
		t.Fatalf("copy expected 202 with a task, got %d %+v", resp.StatusCode, task)
	}
	deadline := time.Now().Add(5 * time.Second)
	for task.Status != TaskStatusCompleted {
		if task.Status == TaskStatusFailed || time.Now().After(deadline) {
			t.Fatalf("copy task did not complete: %+v", task)
		}
		time.Sleep(20 * time.Millisecond)
		resp, err = http.Get(base + "/system/tasks/" + task.ID)
		if err != nil {
			t.Fatalf("GET task failed: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&task)
		resp.Body.Close()
	}
	if _, err := os.Stat(backup); err != nil {
		t.Errorf("backup file missing: %v", err)
	}

	// 5. Unknown task and bad copy body
	resp, _ = http.Get(base + "/system/tasks/nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task expected 404, got %d", resp.StatusCode)
	}
	resp, _ = http.Post(base+"/system/copy", "application/json", strings.NewReader(`{}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("copy without path expected 400, got %d", resp.StatusCode)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	t.Setenv("TYRANT_TEST_DIR", "/var/lib/tyrant")

	testCases := []struct {
		name     string
		content  string
		hasError bool
		check    func(t *testing.T, cfg Config)
	}{
		{
			name: "overrides and env expansion",
			content: `
server:
  tcp_addr: "127.0.0.1:2000"
  idle_timeout: 30s
storage:
  data_dir: "${TYRANT_TEST_DIR}"
  shards: 8
log:
  level: debug
  format: json
`,
			check: func(t *testing.T, cfg Config) {
				if cfg.Server.TCPAddr != "127.0.0.1:2000" || cfg.Server.IdleTimeout != 30*time.Second {
					t.Errorf("server section = %+v", cfg.Server)
				}
				// Unset fields keep their defaults.
				if cfg.Server.HTTPAddr != ":1979" {
					t.Errorf("http_addr default lost: %q", cfg.Server.HTTPAddr)
				}
				opts := cfg.EngineOptions()
				if opts.DataDir != "/var/lib/tyrant" || opts.Shards != 8 {
					t.Errorf("engine options = %+v", opts)
				}
			},
		},
		{name: "unknown field", content: "server:\n  tcp_adr: \":1\"\n", hasError: true},
		{name: "bad log format", content: "log:\n  format: xml\n", hasError: true},
		{name: "empty data dir", content: "storage:\n  data_dir: \"\"\n", hasError: true},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfig(write(strings.Repeat("c", i+1)+".yaml", tc.content))
			if (err != nil) != tc.hasError {
				t.Fatalf("LoadConfig() error = %v, want hasError = %v", err, tc.hasError)
			}
			if tc.check != nil {
				tc.check(t, cfg)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
}
