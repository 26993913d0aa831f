package collective

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

var shardSchema = arrow.NewSchema([]arrow.Field{
	{Name: "shard", Type: arrow.PrimitiveTypes.Float32},
}, nil)

func shardRecord(vals []float32) arrow.Record {
	b := array.NewFloat32Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(shardSchema, []arrow.Array{col}, int64(len(vals)))
}

func shardValues(rec arrow.Record) ([]float32, error) {
	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("collective: shard record has %d columns", rec.NumCols())
	}
	col, ok := rec.Column(0).(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("collective: shard column is %s, want float32", rec.Column(0).DataType())
	}
	return append([]float32(nil), col.Float32Values()...), nil
}

// exchangeCmd names the group, rank and size of a DoExchange stream.
func exchangeCmd(group string, rank, size int) []byte {
	return []byte(fmt.Sprintf("allreduce/%s/%d/%d", group, rank, size))
}

func parseExchangeCmd(cmd []byte) (group string, rank, size int, err error) {
	parts := strings.Split(string(cmd), "/")
	if len(parts) != 4 || parts[0] != "allreduce" {
		return "", 0, 0, fmt.Errorf("collective: bad exchange command %q", cmd)
	}
	if rank, err = strconv.Atoi(parts[2]); err != nil {
		return "", 0, 0, fmt.Errorf("collective: bad rank in %q: %w", cmd, err)
	}
	if size, err = strconv.Atoi(parts[3]); err != nil {
		return "", 0, 0, fmt.Errorf("collective: bad size in %q: %w", cmd, err)
	}
	if size <= 0 || rank < 0 || rank >= size {
		return "", 0, 0, fmt.Errorf("collective: rank %d outside group of %d", rank, size)
	}
	return parts[1], rank, size, nil
}

type roundKey struct {
	group string
	seq   int
}

type round struct {
	size int
	n    int
	sum  []float32
	done chan struct{}
	err  error
}

// ReduceServer sums the shards of every group member per round and streams
// the total back to each of them. One DoExchange stream carries one rank.
type ReduceServer struct {
	flight.BaseFlightServer

	srv    flight.Server
	mu     sync.Mutex
	rounds map[roundKey]*round
}

// NewReduceServer listens on addr ("localhost:0" picks a free port).
func NewReduceServer(addr string) (*ReduceServer, error) {
	s := &ReduceServer{rounds: make(map[roundKey]*round)}
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return nil, fmt.Errorf("collective: listen %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	return s, nil
}

func (s *ReduceServer) Addr() string { return s.srv.Addr().String() }

// Serve blocks until Shutdown.
func (s *ReduceServer) Serve() error { return s.srv.Serve() }

func (s *ReduceServer) Shutdown() { s.srv.Shutdown() }

func (s *ReduceServer) contribute(ctx context.Context, key roundKey, size int, vals []float32) ([]float32, error) {
	s.mu.Lock()
	r, ok := s.rounds[key]
	if !ok {
		r = &round{size: size, sum: make([]float32, len(vals)), done: make(chan struct{})}
		s.rounds[key] = r
	}
	switch {
	case r.size != size:
		r.err = fmt.Errorf("collective: group %q size %d, member says %d", key.group, r.size, size)
	case len(r.sum) != len(vals):
		r.err = fmt.Errorf("%w: %d vs %d", ErrSizeMismatch, len(vals), len(r.sum))
	default:
		for i, v := range vals {
			r.sum[i] += v
		}
	}
	r.n++
	if r.n == r.size || r.err != nil {
		delete(s.rounds, key)
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
	s.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.sum, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ReduceServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "collective: open exchange: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil {
		return status.Error(codes.InvalidArgument, "collective: exchange without descriptor")
	}
	group, rank, size, err := parseExchangeCmd(desc.Cmd)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	logger.Log.Debug("all-reduce member joined", "group", group, "rank", rank, "size", size)

	w := flight.NewRecordWriter(stream, ipc.WithSchema(shardSchema))
	defer w.Close()
	for seq := 0; rdr.Next(); seq++ {
		vals, err := shardValues(rdr.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		sum, err := s.contribute(stream.Context(), roundKey{group, seq}, size, vals)
		if err != nil {
			return status.Error(codes.Aborted, err.Error())
		}
		rec := shardRecord(sum)
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return rdr.Err()
}

// FlightGroup is one rank of a group reduced by a ReduceServer.
type FlightGroup struct {
	rank, size int

	mu     sync.Mutex
	client flight.Client
	stream flight.FlightService_DoExchangeClient
	w      *flight.Writer
	r      *flight.Reader
	closed bool
}

// DialFlightGroup joins group as rank of size through the server at addr.
// The exchange stream lives until Close or until ctx is done.
func DialFlightGroup(ctx context.Context, addr, group string, rank, size int) (*FlightGroup, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("collective: rank %d outside group of %d", rank, size)
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("collective: dial %s: %w", addr, err)
	}
	stream, err := client.DoExchange(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("collective: open exchange: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(shardSchema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: exchangeCmd(group, rank, size)})
	return &FlightGroup{rank: rank, size: size, client: client, stream: stream, w: w}, nil
}

func (g *FlightGroup) Size() int         { return g.size }
func (g *FlightGroup) Rank() int         { return g.rank }
func (g *FlightGroup) Transport() string { return "flight" }

func (g *FlightGroup) AllReduceSum(ctx context.Context, data []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGroupClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := shardRecord(data)
	err := g.w.Write(rec)
	rec.Release()
	if err != nil {
		return fmt.Errorf("collective: send shard: %w", err)
	}
	if g.r == nil {
		// the server's schema message only arrives with its first reply
		if g.r, err = flight.NewRecordReader(g.stream); err != nil {
			return fmt.Errorf("collective: open reply stream: %w", err)
		}
	}
	if !g.r.Next() {
		if err := g.r.Err(); err != nil {
			return fmt.Errorf("collective: receive sum: %w", err)
		}
		return ErrGroupClosed
	}
	sum, err := shardValues(g.r.Record())
	if err != nil {
		return err
	}
	if len(sum) != len(data) {
		return fmt.Errorf("%w: sent %d, got %d", ErrSizeMismatch, len(data), len(sum))
	}
	copy(data, sum)
	return nil
}

// Close ends the exchange. It is safe to call more than once.
func (g *FlightGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	werr := g.w.Close()
	serr := g.stream.CloseSend()
	if g.r != nil {
		g.r.Release()
	}
	cerr := g.client.Close()
	for _, err := range []error{werr, serr, cerr} {
		if err != nil {
			return err
		}
	}
	return nil
}
