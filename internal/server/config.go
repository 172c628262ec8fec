package server

// Config holds listener addresses.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	GRPCAddr    string
}

func (c Config) withDefaults() Config {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.GRPCAddr == "" {
		c.GRPCAddr = ":9091"
	}
	return c
}
