package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kadcore/dhtnode/config"
	"github.com/kadcore/dhtnode/dht"
	"github.com/kadcore/dhtnode/infohash"
	"github.com/kadcore/dhtnode/metrics"
)

var (
	configPath string
	log        = logrus.StandardLogger()
)

// NewRootCommand builds the dhtnode command tree: a long-running "run"
// daemon plus one-shot "put"/"get"/"listen" client commands, replacing
// the teacher's single interactive REPL (kademila/client.go's RunClient)
// with the cobra subcommand style used elsewhere in the retrieval pack
// (tendermint's cmd/tendermint/commands.RootCmd).
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dhtnode",
		Short: "A Kademlia-style distributed hash table node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "dhtnode.toml", "path to the node's TOML config file")

	root.AddCommand(newRunCommand())
	root.AddCommand(newPutCommand())
	root.AddCommand(newGetCommand())
	root.AddCommand(newListenCommand())
	return root
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func setLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// newRunCommand starts the node as a long-running daemon: it opens its
// engines, begins answering queries, and blocks until SIGINT/SIGTERM.
func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)

			rn, err := startNode(cfg, log)
			if err != nil {
				return err
			}
			defer rn.Close()

			collector := metrics.NewCollector()
			collector.MustRegister(prometheus.DefaultRegisterer)
			rn.Scheduler.ScheduleEvery(5*time.Second, func() {
				st := rn.Dht.Stats()
				collector.Sample(st.StorageBytes, st.StorageKeys, st.RoutingTableNodes, st.SearchesActive)
			})
			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.WithError(err).Warn("dhtnode: metrics server stopped")
					}
				}()
				defer srv.Close()
			}

			persistEvery(rn, cfg.PersistInterval)

			log.WithFields(logrus.Fields{
				"node_id": rn.Dht.Config().NodeID.String(),
				"v4":      cfg.ListenAddr4,
				"v6":      cfg.ListenAddr6,
			}).Info("dhtnode: started")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Info("dhtnode: shutting down")
			return nil
		},
	}
}

func persistEvery(rn *runningNode, interval time.Duration) {
	if rn.Store == nil {
		return
	}
	rn.Scheduler.ScheduleEvery(interval, func() {
		if err := rn.Store.SaveNodes(rn.Dht.ExportNodes()); err != nil {
			log.WithError(err).Warn("dhtnode: persist nodes failed")
		}
		for key, values := range rn.Dht.ExportValues() {
			if err := rn.Store.SaveValues(key, values); err != nil {
				log.WithError(err).Warn("dhtnode: persist values failed")
			}
		}
	})
}

func newPutCommand() *cobra.Command {
	var keyHex, data string
	var valueID uint64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Announce a value under a key and wait for it to reach the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)

			key, err := infohash.FromHex(keyHex)
			if err != nil {
				return fmt.Errorf("dhtnode: bad key: %w", err)
			}

			rn, err := startNode(cfg, log)
			if err != nil {
				return err
			}
			defer rn.Close()

			doneCh := make(chan struct{})
			rn.Dht.Put(key, &dht.Value{ID: valueID, Payload: []byte(data)}, time.Now(), func(ok bool, reached []*dht.Node) {
				if ok {
					fmt.Printf("put acknowledged by %d node(s)\n", len(reached))
				} else {
					fmt.Println("put failed: no nodes acknowledged within the timeout")
				}
				close(doneCh)
			})

			select {
			case <-doneCh:
			case <-time.After(timeout):
				fmt.Println("put timed out waiting for acknowledgement")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "40-character hex key to store under")
	cmd.Flags().StringVar(&data, "data", "", "payload to store")
	cmd.Flags().Uint64Var(&valueID, "id", 1, "value id, unique per key")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for acknowledgement")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newGetCommand() *cobra.Command {
	var keyHex string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Search the network for values stored under a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)

			key, err := infohash.FromHex(keyHex)
			if err != nil {
				return fmt.Errorf("dhtnode: bad key: %w", err)
			}

			rn, err := startNode(cfg, log)
			if err != nil {
				return err
			}
			defer rn.Close()

			doneCh := make(chan struct{})
			rn.Dht.Get(key, func(values []*dht.Value) bool {
				for _, v := range values {
					fmt.Printf("value id=%d: %s\n", v.ID, string(v.Payload))
				}
				return true
			}, func(ok bool, _ []*dht.Node) {
				close(doneCh)
			}, dht.AcceptAll)

			select {
			case <-doneCh:
			case <-time.After(timeout):
				fmt.Println("get timed out")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "40-character hex key to search for")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to search before giving up")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newListenCommand() *cobra.Command {
	var keyHex string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Subscribe to updates on a key and print them until the duration elapses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)

			key, err := infohash.FromHex(keyHex)
			if err != nil {
				return fmt.Errorf("dhtnode: bad key: %w", err)
			}

			rn, err := startNode(cfg, log)
			if err != nil {
				return err
			}
			defer rn.Close()

			token := rn.Dht.Listen(key, dht.AcceptAll, func(values []*dht.Value) {
				for _, v := range values {
					fmt.Printf("update id=%d: %s\n", v.ID, string(v.Payload))
				}
			})
			defer rn.Dht.CancelListen(key, token)

			fmt.Printf("listening on %s for %s\n", keyHex, duration)
			time.Sleep(duration)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "40-character hex key to listen on")
	cmd.Flags().DurationVar(&duration, "duration", time.Minute, "how long to keep listening")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
