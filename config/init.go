package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// reading config error is fatal, and exists main thread
func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

func readFile(path string, cfg *Configuration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	return decoder.Decode(cfg)
}

func readEnv(cfg *Configuration) error {
	return envconfig.Process("BRIDGE", cfg)
}

// Load reads the yaml file, then lets BRIDGE_* environment variables override it
func Load(path string) (*Configuration, error) {
	var cfg Configuration
	if err := readFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := readEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Init(path string) {
	cfg, err := Load(path)
	if err != nil {
		processError(err)
	}
	Config = *cfg
}
