package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fr13n8/tunsock/socket"
	"github.com/fr13n8/tunsock/tunnel"
	"github.com/spf13/cobra"
)

var (
	re          = lipgloss.NewRenderer(os.Stdout)
	HeaderStyle = re.NewStyle().Bold(true).Align(lipgloss.Center)
	CellStyle   = re.NewStyle().Padding(0, 1)
	RowStyle    = CellStyle
	OKStyle     = CellStyle.Foreground(lipgloss.Color("2"))
	FailStyle   = CellStyle.Foreground(lipgloss.Color("1"))
	BorderStyle = lipgloss.NewStyle()
)

var (
	probeDialer  dialerFlags
	probeTimeout time.Duration

	probeCmd = &cobra.Command{
		Use:   "probe HOST:PORT...",
		Short: "Check which targets a proxy lets through",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), args)
		},
	}
)

func init() {
	probeDialer.register(probeCmd)
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "time to wait for each tunnel")
}

type probeResult struct {
	address string
	latency time.Duration
	err     error
}

func runProbe(ctx context.Context, addresses []string) error {
	conf, err := probeDialer.tunnelDialer()
	if err != nil {
		return err
	}
	client, err := tunnel.NewClient(conf)
	if err != nil {
		return err
	}
	defer client.Close()

	d := &socket.Dialer{Tunnel: client}
	results := make([]probeResult, len(addresses))

	var wg sync.WaitGroup
	for i, address := range addresses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = probe(ctx, d, address)
		}()
	}
	wg.Wait()

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(BorderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == 0:
				return HeaderStyle
			case col == 1 && results[row-1].err == nil:
				return OKStyle
			case col == 1:
				return FailStyle
			}
			return RowStyle
		}).
		Headers("Target", "Status", "Latency", "Detail")

	failed := 0
	for _, r := range results {
		status, detail := "Open", ""
		if r.err != nil {
			status, detail = "Failed", r.err.Error()
			failed++
		}
		t.Row(r.address, status, r.latency.Round(time.Millisecond).String(), detail)
	}

	fmt.Println(t)

	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(results))
	}
	return nil
}

func probe(ctx context.Context, d *socket.Dialer, address string) probeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	s, err := d.Connect(ctx, address, socket.Options{})
	if err != nil {
		return probeResult{address: address, err: err}
	}
	defer s.Close()

	err = s.Opened().Wait(ctx)
	return probeResult{address: address, latency: time.Since(start), err: err}
}
