package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/httpbridge/internal/client"
	"github.com/matst80/httpbridge/internal/obs"
)

var (
	opts      client.Options
	listen    string
	verbose   bool
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "bridge-client",
	Short: "Carry a TCP stream over an httpbridge PUT /stream request",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Logs go to stderr so stdio mode keeps stdout for the stream.
		obs.Configure(os.Stderr, logFormat)
		obs.EnableDebug(verbose)
	},
	SilenceUsage: true,
}

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Attach stdin/stdout to one stream (ssh ProxyCommand)",
	Example: `  ssh -o ProxyCommand='bridge-client stdio --url http://bridge:3000' host`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		c, err := client.Dial(ctx, opts)
		if err != nil {
			return err
		}
		return client.Pipe(c, stdio{})
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept local TCP connections and bridge each over its own stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", listen, err)
		}
		obs.Info("client.listen", obs.Fields{"addr": ln.Addr().String(), "url": opts.URL})
		return client.Serve(ctx, ln, opts)
	},
}

// stdio joins the process's standard streams into one io.ReadWriter.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func init() {
	rootCmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://127.0.0.1:3000", "bridge base URL")
	rootCmd.PersistentFlags().BoolVar(&opts.H2C, "h2c", false, "use HTTP/2 cleartext")
	rootCmd.PersistentFlags().DurationVar(&opts.DialTimeout, "dial-timeout", 10*time.Second, "timeout for reaching the bridge")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: json or text")

	listenCmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:2222", "local address to accept connections on")

	rootCmd.AddCommand(stdioCmd, listenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
