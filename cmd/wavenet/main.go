package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/adaptor"
	"github.com/wavenet-mesh/wavenet/internal/config"
	"github.com/wavenet-mesh/wavenet/internal/directory"
	"github.com/wavenet-mesh/wavenet/internal/mesh"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "wavenet",
	Short: "Encrypted broadcast mesh over sockets and sound.",
	Long: `WaveNet builds a self-organizing mesh over whatever links you give it.

Every message floods to every node. Only its recipient can open it.
The hub at ID 0 hands out keys; it never sees what you send.`,
	SilenceUsage: true,
}

// daemon is what hub and node share once the config is loaded.
type daemon struct {
	cfg    *config.Config
	log    *zap.Logger
	reg    *prometheus.Registry
	protos []transport.Protocol
}

func setup(cmd *cobra.Command) (*daemon, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, errors.New("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics, _ = cmd.Flags().GetString("metrics")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	log, err := zc.Build()
	if err != nil {
		return nil, err
	}

	protos, err := cfg.Protocols(transport.WithLogger(log))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}
	return &daemon{cfg: cfg, log: log, reg: reg, protos: protos}, nil
}

func (d *daemon) meshConfig() mesh.Config {
	mc := d.cfg.Mesh(d.protos)
	mc.Logger = d.log
	mc.Registerer = d.reg
	return mc
}

func (d *daemon) protocol(t transport.Type) transport.Protocol {
	for _, p := range d.protos {
		if p.Type() == t {
			return p
		}
	}
	return nil
}

// connectPeers announces this end to every configured peer. Failures are
// reported and skipped; the peer may come up later.
func (d *daemon) connectPeers(connect func(int64, transport.Protocol, string) error) {
	for _, p := range d.cfg.Peers {
		if err := connect(p.ID, d.protocol(p.TransportType()), p.Dest); err != nil {
			fmt.Printf("  ! connect %d via %s %s: %v\n", p.ID, p.Type, p.Dest, err)
			continue
		}
		fmt.Printf("  Neighbor  : %d via %s %s\n", p.ID, p.Type, p.Dest)
	}
}

func (d *daemon) printDescriptors() {
	for _, p := range d.protos {
		desc, err := p.Public()
		if err != nil {
			desc = err.Error()
		}
		fmt.Printf("  %-9s : %s\n", p.Type(), desc)
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// ─── hub ─────────────────────────────────────────────────────────────────────

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the mesh hub (ID 0)",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := setup(cmd)
		if err != nil {
			return err
		}
		defer d.log.Sync() //nolint:errcheck

		mc := d.meshConfig()
		if d.cfg.Directory != "" {
			store, err := directory.OpenBolt(d.cfg.Directory)
			if err != nil {
				return fmt.Errorf("open directory: %w", err)
			}
			mc.Store = store
		}

		h, err := adaptor.NewBasicHub(mc)
		if err != nil {
			return err
		}
		if err := h.Run(); err != nil {
			return err
		}
		defer h.Kill() //nolint:errcheck

		fmt.Printf("\n  WaveNet hub\n\n")
		fmt.Printf("  Key       : %s\n", h.Hub().PublicKey().Hex())
		d.printDescriptors()
		d.connectPeers(h.Hub().Connect)
		fmt.Println()

		waitForSignal()
		members, err := h.Hub().Members()
		if err != nil {
			return err
		}
		fmt.Printf("\nShutting down. %d nodes forgotten: %v\n", len(members), members)
		return nil
	},
}

// ─── node ────────────────────────────────────────────────────────────────────

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a mesh node with an interactive console",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := setup(cmd)
		if err != nil {
			return err
		}
		defer d.log.Sync() //nolint:errcheck

		n, err := adaptor.NewBasicNode(d.meshConfig())
		if err != nil {
			return err
		}
		if err := n.Run(); err != nil {
			return err
		}
		defer n.Kill() //nolint:errcheck

		fmt.Printf("\n  WaveNet node\n\n")
		fmt.Printf("  ID        : %d\n", n.MyID())
		fmt.Printf("  Key       : %s\n", n.Node().PublicKey().Hex())
		d.printDescriptors()
		d.connectPeers(n.Connect)

		if len(d.cfg.Peers) > 0 {
			if err := n.Join(); err != nil {
				fmt.Printf("  ! join: %v (retry with 'join')\n", err)
			} else {
				fmt.Printf("  Joined    : yes\n")
			}
		}
		fmt.Printf("\n  Commands: send <id> <message> | ping <id> | recv <id> | join | status\n\n")

		// Print messages from anyone nobody is waiting on specifically
		go func() {
			for {
				src, msg, err := n.Listen(0)
				if errors.Is(err, mesh.ErrClosed) || errors.Is(err, adaptor.ErrNotRunning) {
					return
				}
				if err != nil {
					continue
				}
				fmt.Printf("\n[%d] %s\n> ", src, msg)
			}
		}()

		fmt.Print("> ")
		go console(n)

		waitForSignal()
		fmt.Println("\nShutting down.")
		return nil
	},
}

func console(n *adaptor.BasicNode) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "send":
			if len(parts) < 3 {
				fmt.Println("usage: send <id> <message>")
				break
			}
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				fmt.Printf("bad id %q\n", parts[1])
				break
			}
			if err := n.Send(id, parts[2]); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println("✓ sent")
			}
		case "ping":
			if len(parts) < 2 {
				fmt.Println("usage: ping <id>")
				break
			}
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				fmt.Printf("bad id %q\n", parts[1])
				break
			}
			start := time.Now()
			ok, err := n.Ping(id)
			switch {
			case err != nil:
				fmt.Printf("error: %v\n", err)
			case ok:
				fmt.Printf("pong from %d in %v\n", id, time.Since(start).Round(time.Millisecond))
			default:
				fmt.Printf("no pong from %d\n", id)
			}
		case "recv":
			if len(parts) < 2 {
				fmt.Println("usage: recv <id>")
				break
			}
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				fmt.Printf("bad id %q\n", parts[1])
				break
			}
			src, msg, err := n.Recv(id, 0)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Printf("[%d] %s\n", src, msg)
			}
		case "join":
			if err := n.Join(); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println("✓ joined")
			}
		case "status":
			node := n.Node()
			fmt.Printf("id: %d\njoined: %v\nneighbors: %d\nseen: %d\n",
				n.MyID(), node.Joined(), len(node.Engine().Info().Neighbors()), node.Engine().SeenLen())
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
		fmt.Print("> ")
	}
}

// ─── ifaces ──────────────────────────────────────────────────────────────────

var ifacesCmd = &cobra.Command{
	Use:   "ifaces",
	Short: "List addresses an IP transport can announce",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		ifs, err := transport.Interfaces()
		if err != nil {
			return err
		}
		if len(ifs) == 0 {
			fmt.Println("no non-loopback IPv4 interfaces")
			return nil
		}
		for _, i := range ifs {
			fmt.Printf("  %-12s %s\n", i.Name, transport.IPDescriptor(i.Addr, port))
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{hubCmd, nodeCmd} {
		cmd.Flags().String("config", "", "TOML configuration file")
		cmd.Flags().String("metrics", "", "Serve prometheus metrics on this address (overrides config)")
		cmd.Flags().String("log-level", "info", "Log level (overrides config)")
	}
	ifacesCmd.Flags().Int("port", 9000, "Port to show in the descriptors")

	rootCmd.AddCommand(hubCmd, nodeCmd, ifacesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
