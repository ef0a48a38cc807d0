// Command restore-demo runs an in-process peer group through a full
// submit / fail / shrink / retrieve cycle and reports what survived. It is
// a smoke-test harness for the store's failure handling, not a benchmark.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	restore "github.com/gzeit/ReStore"
	"github.com/gzeit/ReStore/pkg/comm/memgroup"
	"github.com/gzeit/ReStore/pkg/logging"
	"github.com/gzeit/ReStore/pkg/model"
)

type demoConfig struct {
	Peers         int            `yaml:"peers"`
	BlocksPerPeer int            `yaml:"blocksPerPeer"`
	FailRanks     []int          `yaml:"failRanks"`
	Store         restore.Config `yaml:"store"`
}

func loadConfig() demoConfig {
	conf := demoConfig{
		Peers:         8,
		BlocksPerPeer: 1000,
		FailRanks:     []int{1, 3},
		Store: restore.Config{
			ReplicationLevel: 3,
			OffsetMode:       model.OffsetModeConstant,
			ConstOffset:      8,
			Permutation:      restore.PermutationFeistel,
			BucketSize:       16,
			Seed:             42,
		},
	}

	if len(os.Args) > 1 {
		data, err := os.ReadFile(os.Args[1])
		if err != nil {
			logging.Logger.Error("reading config", "error", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &conf); err != nil {
			logging.Logger.Error("parsing config", "error", err)
			os.Exit(1)
		}
	}
	return conf
}

func main() {
	conf := loadConfig()
	logger := logging.New(slog.LevelInfo)

	totalBlocks := uint64(conf.Peers * conf.BlocksPerPeer)
	hub := memgroup.NewHub(conf.Peers)

	failing := make(map[int]bool, len(conf.FailRanks))
	for _, r := range conf.FailRanks {
		failing[r] = true
	}

	// Survivors must observe the failures before they shrink.
	var failuresDone sync.WaitGroup
	failuresDone.Add(len(conf.FailRanks))

	var wg sync.WaitGroup
	recovered := make([]uint64, conf.Peers)
	for rank := 0; rank < conf.Peers; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			runPeer(hub, rank, conf, totalBlocks, failing, &failuresDone, logger, &recovered[rank])
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < conf.Peers; rank++ {
		if failing[rank] {
			logger.Info("peer failed before retrieval", "rank", rank)
			continue
		}
		logger.Info("peer recovered blocks",
			"rank", rank, "blocks", recovered[rank], "expected", totalBlocks)
		if recovered[rank] != totalBlocks {
			fmt.Fprintf(os.Stderr, "rank %d lost data\n", rank)
			os.Exit(1)
		}
	}
	logger.Info("all surviving peers recovered every block")
}

func runPeer(
	hub *memgroup.Hub,
	rank int,
	conf demoConfig,
	totalBlocks uint64,
	failing map[int]bool,
	failuresDone *sync.WaitGroup,
	logger *slog.Logger,
	recovered *uint64,
) {
	group := hub.Member(rank)
	store, err := restore.New(group, conf.Store, logger)
	if err != nil {
		logger.Error("creating store", "rank", rank, "error", err)
		return
	}

	// Each peer contributes a contiguous slab of ids; the permutation
	// scatters them over the group.
	first := uint64(rank * conf.BlocksPerPeer)
	next := first
	err = store.SubmitBlocks(
		func(value interface{}, w io.Writer) error {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], value.(uint64))
			_, err := w.Write(buf[:])
			return err
		},
		func() (uint64, interface{}, bool) {
			if next >= first+uint64(conf.BlocksPerPeer) {
				return 0, nil, false
			}
			id := next
			next++
			return id, id * 3, true
		},
		totalBlocks,
		restore.SubmitOptions{},
	)
	if err != nil {
		logger.Error("submitting blocks", "rank", rank, "error", err)
		return
	}

	if failing[rank] {
		hub.Kill(rank)
		failuresDone.Done()
		return
	}

	// Survivors agree on the shrunken group and pull everything back.
	failuresDone.Wait()
	if err := group.Shrink(); err != nil {
		logger.Error("shrinking group", "rank", rank, "error", err)
		return
	}
	if err := store.UpdateComm(group); err != nil {
		logger.Error("updating group handle", "rank", rank, "error", err)
		return
	}
	for _, died := range store.RanksDiedSinceLastCall() {
		logger.Info("observed peer death", "rank", rank, "died", int(died))
	}

	err = store.PullBlocks(
		[]model.Range{{First: 0, Length: totalBlocks}},
		func(data []byte, id uint64) error {
			if binary.LittleEndian.Uint64(data) != id*3 {
				return fmt.Errorf("block %d corrupted", id)
			}
			*recovered++
			return nil
		},
	)
	if err != nil {
		logger.Error("pulling blocks", "rank", rank, "error", err)
	}
}
