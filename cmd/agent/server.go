package agent

import "github.com/spf13/cobra"

func initServerFlags(root *cobra.Command) {
	f := root.PersistentFlags()

	f.String("server.addr", defaultCfg.Server.Addr, "-> local API listening address")
	f.Duration("server.read_timeout", defaultCfg.Server.ReadTimeout, "-> local API read timeout")
	f.Duration("server.write_timeout", defaultCfg.Server.WriteTimeout, "-> local API write timeout")
	f.Duration("server.idle_timeout", defaultCfg.Server.IdleTimeout, "-> local API idle connection timeout")
}
