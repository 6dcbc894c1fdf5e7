/*
 * Copyright (c) 2024, The edgerelay Authors
 * All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package option holds the startup options of edgerelay.
package option

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"

	"github.com/edgerelay/edgerelay/pkg/version"
)

// Options is the startup options.
type Options struct {
	flags   *pflag.FlagSet
	viper   *viper.Viper
	yamlStr string

	// Flags from command line only.
	ShowVersion bool   `yaml:"-"`
	ShowHelp    bool   `yaml:"-"`
	ConfigFile  string `yaml:"-"`

	// If a config file is specified, below command line flags will be ignored.

	Name       string `yaml:"name"`
	ListenAddr string `yaml:"listen-addr"`

	// Backend.
	BackendAddr    string        `yaml:"backend-addr"`
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
	IOTimeout      time.Duration `yaml:"io-timeout"`
	MaxRetries     int           `yaml:"max-retries"`
	RetryWaitMin   time.Duration `yaml:"retry-wait-min"`
	RetryWaitMax   time.Duration `yaml:"retry-wait-max"`

	// Applet mode serves the named builtin applet instead of a
	// backend. Currently only "echo".
	Applet string `yaml:"applet"`

	// Data path.
	BufferSize     int `yaml:"buffer-size"`
	MaxBuffers     int `yaml:"max-buffers"`
	MaxPipes       int `yaml:"max-pipes"`
	MaxConnections int `yaml:"max-connections"`
	Workers        int `yaml:"workers"`

	// Path.
	LogDir string `yaml:"log-dir"`

	Debug bool `yaml:"debug"`

	// Prepared in advance.
	AbsLogDir string `yaml:"-"`
}

// New creates a default Options.
func New() *Options {
	opt := &Options{
		flags: pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError),
		viper: viper.New(),
	}

	opt.flags.BoolVarP(&opt.ShowVersion, "version", "v", false, "Print the version and exit.")
	opt.flags.BoolVarP(&opt.ShowHelp, "help", "h", false, "Print the helper message and exit.")
	opt.flags.StringVarP(&opt.ConfigFile, "config-file", "f", "", "Load configuration from a file(yaml format), other command line flags will be ignored if specified.")
	opt.flags.StringVar(&opt.Name, "name", "edgerelay-default", "Human-readable name for this instance.")
	opt.flags.StringVar(&opt.ListenAddr, "listen-addr", ":10080", "Address([host]:port) to listen on for relayed traffic.")
	opt.flags.StringVar(&opt.BackendAddr, "backend-addr", "", "Backend address(host:port) to relay accepted connections to.")
	opt.flags.DurationVar(&opt.ConnectTimeout, "connect-timeout", 5*time.Second, "Timeout of one backend connect attempt.")
	opt.flags.DurationVar(&opt.IOTimeout, "io-timeout", 0, "Idle timeout of an established stream side, 0 disables it.")
	opt.flags.IntVar(&opt.MaxRetries, "max-retries", 3, "Number of backend connect retries after the first attempt.")
	opt.flags.DurationVar(&opt.RetryWaitMin, "retry-wait-min", 100*time.Millisecond, "Minimum wait between backend connect attempts.")
	opt.flags.DurationVar(&opt.RetryWaitMax, "retry-wait-max", 3*time.Second, "Maximum wait between backend connect attempts.")
	opt.flags.StringVar(&opt.Applet, "applet", "", "Serve the named builtin applet (echo) instead of a backend.")
	opt.flags.IntVar(&opt.BufferSize, "buffer-size", 16384, "Channel buffer size in bytes.")
	opt.flags.IntVar(&opt.MaxBuffers, "max-buffers", 0, "Cap on live channel buffers, 0 means unlimited.")
	opt.flags.IntVar(&opt.MaxPipes, "max-pipes", 1024, "Cap on kernel pipes used for zero-copy forwarding.")
	opt.flags.IntVar(&opt.MaxConnections, "max-connections", 0, "Cap on simultaneously open frontend connections, 0 means unlimited.")
	opt.flags.IntVar(&opt.Workers, "workers", 0, "Scheduler worker goroutines, 0 means GOMAXPROCS.")
	opt.flags.StringVar(&opt.LogDir, "log-dir", "log", "Path to the log directory.")
	opt.flags.BoolVar(&opt.Debug, "debug", false, "Flag to set lowest log level from INFO downgrade DEBUG.")

	opt.viper.BindPFlags(opt.flags)

	return opt
}

// YAML returns yaml string of option, need to be called after calling Parse.
func (opt *Options) YAML() string {
	return opt.yamlStr
}

// AddFlags registers the options' flags on fs, for embedding in a
// cobra command.
func (opt *Options) AddFlags(fs *pflag.FlagSet) {
	fs.AddFlagSet(opt.flags)
}

// Parse parses all arguments, returns normal message without error if
// --help/--version set.
func (opt *Options) Parse() (string, error) {
	err := opt.flags.Parse(os.Args[1:])
	if err != nil {
		return "", err
	}

	if opt.ShowVersion {
		return version.Short, nil
	}
	if opt.ShowHelp {
		return opt.flags.FlagUsages(), nil
	}

	err = opt.Complete()
	if err != nil {
		return "", err
	}
	return "", nil
}

// Complete finishes option processing once flags were parsed: config
// file, validation, preparation.
func (opt *Options) Complete() error {
	opt.viper.AutomaticEnv()
	opt.viper.SetEnvPrefix("ER")

	if opt.ConfigFile != "" {
		opt.viper.SetConfigFile(opt.ConfigFile)
		opt.viper.SetConfigType("yaml")
		err := opt.viper.ReadInConfig()
		if err != nil {
			return fmt.Errorf("read config file %s failed: %v",
				opt.ConfigFile, err)
		}
		err = opt.viper.Unmarshal(opt, func(c *mapstructure.DecoderConfig) {
			c.TagName = "yaml"
		})
		if err != nil {
			return fmt.Errorf("unmarshal config failed: %v", err)
		}
	}

	err := opt.validate()
	if err != nil {
		return err
	}

	err = opt.prepare()
	if err != nil {
		return err
	}

	buff, err := yaml.Marshal(opt)
	if err != nil {
		return fmt.Errorf("marshal config failed: %v", err)
	}
	opt.yamlStr = string(buff)

	return nil
}

func (opt *Options) validate() error {
	if opt.Name == "" {
		return fmt.Errorf("empty name")
	}
	if _, _, err := net.SplitHostPort(opt.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen-addr: %v", err)
	}
	if opt.BackendAddr == "" && opt.Applet == "" {
		return fmt.Errorf("one of backend-addr and applet is required")
	}
	if opt.BackendAddr != "" && opt.Applet != "" {
		return fmt.Errorf("backend-addr and applet are mutually exclusive")
	}
	if opt.BackendAddr != "" {
		if _, _, err := net.SplitHostPort(opt.BackendAddr); err != nil {
			return fmt.Errorf("invalid backend-addr: %v", err)
		}
	}
	if opt.Applet != "" && opt.Applet != "echo" {
		return fmt.Errorf("unknown applet %s", opt.Applet)
	}
	if opt.BufferSize < 512 {
		return fmt.Errorf("buffer-size %d is below the minimum 512", opt.BufferSize)
	}
	if opt.MaxRetries < 0 {
		return fmt.Errorf("negative max-retries")
	}
	if opt.MaxConnections < 0 {
		return fmt.Errorf("negative max-connections")
	}
	if opt.RetryWaitMin > opt.RetryWaitMax {
		return fmt.Errorf("retry-wait-min above retry-wait-max")
	}
	return nil
}

func (opt *Options) prepare() error {
	abs, err := filepath.Abs(opt.LogDir)
	if err != nil {
		return err
	}
	opt.AbsLogDir = abs
	return nil
}
