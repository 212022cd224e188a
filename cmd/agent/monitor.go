package agent

import "github.com/spf13/cobra"

func initMonitorFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	d := defaultCfg.Monitor.Producers

	f.Duration("monitor.interval", defaultCfg.Monitor.Interval, "-> producer polling interval")

	f.Bool("monitor.producers.cpu.enable", d.CPU.Enable, "-> enable the cpu producer")
	f.Bool("monitor.producers.cpu.per_core", d.CPU.PerCore, "-> report every core, not just the total")
	f.Bool("monitor.producers.memory.enable", d.Memory.Enable, "-> enable the memory producer")
	f.Bool("monitor.producers.disk.enable", d.Disk.Enable, "-> enable the disk producer")
	f.StringSlice("monitor.producers.disk.ignore_disks", d.Disk.IgnoreDisks, "-> devices or mount points to skip")
	f.Bool("monitor.producers.network.enable", d.Network.Enable, "-> enable the network producer")
	f.StringSlice("monitor.producers.network.ignore_networks", d.Network.IgnoreNetworks, "-> interfaces to skip")
	f.Bool("monitor.producers.host.enable", d.Host.Enable, "-> enable the host info producer")
	f.Bool("monitor.producers.scrape.enable", d.Scrape.Enable, "-> enable the exporter scrape producer")
	f.StringSlice("monitor.producers.scrape.targets", d.Scrape.Targets, "-> exporter URLs to scrape")
	f.Duration("monitor.producers.scrape.timeout", d.Scrape.Timeout, "-> scrape timeout per target")
}
