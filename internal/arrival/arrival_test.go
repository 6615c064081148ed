package arrival

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"labsched/internal/common"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector 收集 Handler 收到的样品
type collector struct {
	mu      sync.Mutex
	samples []common.Sample
}

func (c *collector) handle(_ context.Context, s common.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) Samples() []common.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]common.Sample(nil), c.samples...)
}

// arrivalCount 读取到达计数器的值
func arrivalCount(t *testing.T, reg *prometheus.Registry, source, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "labsched_arrival_received_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := make(map[string]string)
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["source"] == source && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    common.Sample
		wantErr bool
	}{
		{name: "id and location", input: `{"sample_id": "s1", "sample_location": "A3"}`, want: common.Sample{ID: "s1", Location: "A3"}},
		{name: "numeric location", input: `{"sample_id": "s2", "sample_location": 7}`, want: common.Sample{ID: "s2", Location: "7"}},
		{name: "id only", input: `{"sample_id": "s3"}`, want: common.Sample{ID: "s3"}},
		{name: "null location", input: `{"sample_id": "s4", "sample_location": null}`, want: common.Sample{ID: "s4"}},
		{name: "missing id", input: `{"sample_location": "A1"}`, wantErr: true},
		{name: "empty id", input: `{"sample_id": ""}`, wantErr: true},
		{name: "whitespace in id", input: `{"sample_id": "a b"}`, wantErr: true},
		{name: "unknown field", input: `{"sample_id": "s5", "extra": 1}`, wantErr: true},
		{name: "object location", input: `{"sample_id": "s6", "sample_location": {"x": 1}}`, wantErr: true},
		{name: "not json", input: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrMalformedArrival)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDetectsFormat(t *testing.T) {
	s, err := Parse([]byte("  s42\n"))
	require.NoError(t, err)
	assert.Equal(t, common.Sample{ID: "s42"}, s)

	s, err = Parse([]byte(`{"sample_id":"s43","sample_location":"B2"}`))
	require.NoError(t, err)
	assert.Equal(t, common.Sample{ID: "s43", Location: "B2"}, s)

	_, err = Parse([]byte("   "))
	assert.ErrorIs(t, err, common.ErrMalformedArrival)
	_, err = ParseBarcode([]byte(strings.Repeat("x", common.MaxSampleIDLength+1)))
	assert.ErrorIs(t, err, common.ErrMalformedArrival)
}

func TestBarcodeSourceSplitsOnDelimiter(t *testing.T) {
	input := "s1\rs2\r\r bad code \rs3\rtrailing"
	src := NewBarcodeSource(strings.NewReader(input), "", nil, common.NewMetrics(nil))
	var c collector

	require.NoError(t, src.Run(context.Background(), c.handle))
	assert.Equal(t, common.NewSamples("s1", "s2", "s3"), c.Samples())
}

func TestBarcodeSourceSkipsOverlongInput(t *testing.T) {
	noise := strings.Repeat("x", 70<<10)
	input := "s0\r" + noise + "\rs1\rs2\r" + noise
	reg := prometheus.NewRegistry()
	src := NewBarcodeSource(strings.NewReader(input), "\r", nil, common.NewMetrics(reg))
	var c collector

	require.NoError(t, src.Run(context.Background(), c.handle))
	assert.Equal(t, common.NewSamples("s0", "s1", "s2"), c.Samples())
	assert.Equal(t, float64(2), arrivalCount(t, reg, "barcode", "malformed"))
	assert.Equal(t, float64(3), arrivalCount(t, reg, "barcode", "accepted"))
}

func TestBarcodeSourceOverlongWithMultiByteDelimiter(t *testing.T) {
	// 分隔符可能跨越丢弃边界
	input := strings.Repeat("y", maxRecordLength+1) + "\r\n" + "a1\r\n"
	src := NewBarcodeSource(strings.NewReader(input), "\r\n", nil, nil)
	var c collector

	require.NoError(t, src.Run(context.Background(), c.handle))
	assert.Equal(t, common.NewSamples("a1"), c.Samples())
}

func TestBarcodeSourceCustomDelimiter(t *testing.T) {
	src := NewBarcodeSource(strings.NewReader("a1\r\na2\r\n"), "\r\n", nil, nil)
	var c collector

	require.NoError(t, src.Run(context.Background(), c.handle))
	assert.Equal(t, common.NewSamples("a1", "a2"), c.Samples())
}

func TestBarcodeSourceStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	src := NewBarcodeSource(pr, "\r", nil, nil)
	var c collector

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	_, err := pw.Write([]byte("s1\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Samples()) == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("barcode source did not stop")
	}
}

// fakeReader 先返回 errs 中的错误，再按顺序返回消息，耗尽后阻塞到 ctx 结束
type fakeReader struct {
	errs   []error
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return kafka.Message{}, err
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		return m, nil
	}
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSourceHandlesMessages(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Value: []byte(`{"sample_id":"k1","sample_location":"A1"}`)},
		{Value: []byte(`{"sample_id":`), Offset: 1},
		{Value: []byte("k2")},
	}}
	src := NewKafkaSourceWithReader(reader, "sample-arrivals", nil, common.NewMetrics(nil))
	var c collector

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	require.Eventually(t, func() bool { return len(c.Samples()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []common.Sample{{ID: "k1", Location: "A1"}, {ID: "k2"}}, c.Samples())
	assert.True(t, reader.closed)
}

func TestKafkaSourceRetriesReadErrors(t *testing.T) {
	reader := &fakeReader{
		errs: []error{errors.New("broker unreachable"), errors.New("group rebalancing")},
		msgs: []kafka.Message{{Value: []byte("k1")}},
	}
	src := NewKafkaSourceWithReader(reader, "t", nil, nil)
	src.retryDelay = time.Millisecond
	var c collector

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	require.Eventually(t, func() bool { return len(c.Samples()) == 1 }, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("source stopped early: %v", err)
	default:
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, common.NewSamples("k1"), c.Samples())
	assert.True(t, reader.closed)
}

func TestKafkaSourceStopsWhenReaderClosed(t *testing.T) {
	reader := &fakeReader{err: io.EOF}
	src := NewKafkaSourceWithReader(reader, "t", nil, nil)

	require.NoError(t, src.Run(context.Background(), func(context.Context, common.Sample) {}))
	assert.True(t, reader.closed)
}

func TestNewKafkaSourceValidatesConfig(t *testing.T) {
	_, err := NewKafkaSource(common.KafkaConfig{Topic: "t"}, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)
}

func TestWatchSourceProcessesFiles(t *testing.T) {
	dir := t.TempDir()
	// 启动前已存在的文件
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001.txt"), []byte("w1\nnot valid id\n"), 0o644))

	src := NewWatchSource(dir, nil, common.NewMetrics(nil))
	var c collector

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	require.Eventually(t, func() bool { return len(c.Samples()) == 1 }, 2*time.Second, 5*time.Millisecond)

	tmp := filepath.Join(dir, ".002.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"sample_id":"w2","sample_location":"C4"}`+"\n"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "002.json")))

	require.Eventually(t, func() bool { return len(c.Samples()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []common.Sample{{ID: "w1"}, {ID: "w2", Location: "C4"}}, c.Samples())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "processed files are removed")
}

func TestWatchSourceSkipsOverlongLines(t *testing.T) {
	dir := t.TempDir()
	content := "a1\n" + strings.Repeat("y", 70<<10) + "\na2\na3"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batch.txt"), []byte(content), 0o644))

	reg := prometheus.NewRegistry()
	src := NewWatchSource(dir, nil, common.NewMetrics(reg))
	var c collector

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.handle) }()

	require.Eventually(t, func() bool { return len(c.Samples()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, common.NewSamples("a1", "a2", "a3"), c.Samples())
	assert.Equal(t, float64(1), arrivalCount(t, reg, "watch", "malformed"))
	_, err := os.Stat(filepath.Join(dir, "batch.txt"))
	assert.True(t, os.IsNotExist(err))
}
