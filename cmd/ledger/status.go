package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/node"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chains and peer acknowledgements",
		Long: `Replay the chains in the data directory and print, for each one, the last
sequence, the number of entities and what every peer acknowledged. The server
must be stopped: its storage is opened directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			if verbose {
				logger = setupLogger(true)
			}
			n, err := node.New(*cfg, crypto.ZeroPrivateKey, logger)
			if err != nil {
				return err
			}
			defer n.Close()
			for _, c := range cfg.Chains {
				if chain, ok := n.Chain(c.ID); ok {
					if err := chain.WaitReady(cmd.Context()); err != nil {
						return err
					}
				}
			}
			renderStatus(os.Stdout, cfg.Server, n.Status(), interactive())
			return nil
		},
	}
}

func acknowledgements(acked map[uint32]uint64) string {
	peers := make([]uint32, 0, len(acked))
	for peer := range acked {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	parts := make([]string, 0, len(peers))
	for _, peer := range peers {
		parts = append(parts, fmt.Sprintf("%d:%d", peer, acked[peer]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func renderStatus(w io.Writer, server uint32, status []node.ChainStatus, styled bool) {
	headers := []string{"CHAIN", "NAME", "WRITER", "STATE", "LAST", "ENTITIES", "ACKED"}
	rows := make([][]string, 0, len(status))
	for _, chain := range status {
		writer := strconv.FormatUint(uint64(chain.Writer), 10)
		if chain.Writer == server {
			writer += " (local)"
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(chain.ID), 10),
			chain.Name,
			writer,
			chain.State.String(),
			strconv.FormatUint(chain.Last, 10),
			strconv.Itoa(chain.Entities),
			acknowledgements(chain.Acked),
		})
	}
	if !styled {
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Ledger server %d", server)))
	fmt.Fprintln(w, t.Render())
}
