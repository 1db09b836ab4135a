// Volta-scan - a client driver that pushes a synthetic scan through a
// running voltad and prints the surviving rows. Useful for smoke
// testing a deployment end to end.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/volta/client"
	"github.com/chazu/volta/expr"
	"github.com/chazu/volta/session"
	"github.com/chazu/volta/wire"
)

var (
	network   = flag.String("network", "unix", "daemon network: unix or tcp")
	address   = flag.String("address", "/tmp/.volta.sock", "daemon address")
	chunks    = flag.Int("chunks", 4, "number of task chunks to send")
	rowsPer   = flag.Int("rows", 1000, "rows per chunk")
	maxTasks  = flag.Int("max-async-tasks", 8, "in-flight task bound")
	threshold = flag.Int("threshold", 500, "keep rows with value below this")
	quiet     = flag.Bool("q", false, "print only the summary")
	verbose   = flag.Int("v", 0, "log verbosity")
)

// synthSource generates chunks of random int4 rows, roughly one in ten
// of them null.
type synthSource struct {
	rng     *rand.Rand
	chunks  int
	rows    int
	emitted int
}

func (s *synthSource) NextTask() (*wire.Command, error) {
	if s.emitted >= s.chunks {
		return nil, nil
	}
	s.emitted++
	rows := make([]wire.Row, s.rows)
	for i := range rows {
		if s.rng.Intn(10) == 0 {
			rows[i] = wire.Row{nil}
			continue
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(s.rng.Intn(1000)))
		rows[i] = wire.Row{b[:]}
	}
	chunk := wire.DataChunk{Format: wire.FormatRow, NSlots: 1, Rows: rows}
	return wire.EncodeTask(wire.TagScanExec, chunk.Encode()), nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: volta-scan [options]\n\n")
		fmt.Fprintf(os.Stderr, "Streams a synthetic scan through a running voltad.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	commonlog.Configure(*verbose, nil)

	// The daemon screens out null rows; the threshold count happens
	// host-side since comparison operators stay out of the device set.
	quals := expr.NullTest(expr.OpNullTestIsNotNull, expr.Var(expr.TypeInt4, 0))
	b := &session.Builder{
		Bytecode: map[session.Stage][]byte{session.StageScanQuals: quals},
		Timezone: time.Local.String(),
		Encoding: session.Encoding{Name: "UTF8", MaxLen: 4},
	}

	ctx := context.Background()
	conn, sess, err := client.DialSession(ctx, *network, *address, b, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
		os.Exit(1)
	}
	reg := client.NewRegistry()
	reg.Add(conn)
	defer reg.CloseAll()

	src := &synthSource{
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		chunks: *chunks,
		rows:   *rowsPer,
	}
	d := client.NewDispatcher(conn, src, *maxTasks, nil)
	stream := client.NewResultStream(d, nil)
	defer stream.Close()

	start := time.Now()
	var kept, below int
	for {
		row, err := stream.Next(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if row == nil {
			break
		}
		kept++
		v := int32(binary.LittleEndian.Uint32(row[0]))
		if int(v) < *threshold {
			below++
		}
		if !*quiet {
			fmt.Println(v)
		}
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stderr, "plan %#x: %d/%d rows kept (%d below %d) in %s, %d tasks, %d waits\n",
		sess.PlanID, kept, *chunks * *rowsPer, below, *threshold, elapsed.Round(time.Millisecond),
		d.Stats.TasksSent.Load(), d.Stats.Waits.Load())
}
