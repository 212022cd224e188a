package agent

import "github.com/spf13/cobra"

func initLogFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	p := "log."

	f.String(p+"level", defaultCfg.Log.Level, "-> log level [debug,info,warn,error]")
	f.String(p+"format", defaultCfg.Log.Format, "-> console log format [console,json]")
	f.String(p+"path", defaultCfg.Log.Path, "-> log file directory")
	f.Int(p+"max_size", defaultCfg.Log.MaxSize, "-> max size of a single log file (MB)")
	f.Int(p+"max_backup", defaultCfg.Log.MaxBackup, "-> number of rotated log files kept")
	f.Int(p+"max_age", defaultCfg.Log.MaxAge, "-> days rotated log files are kept")
	f.Bool(p+"compress", defaultCfg.Log.Compress, "-> compress rotated log files")
}
