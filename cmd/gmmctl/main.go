// Copyright 2024 The vboxgmm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gmmctl drives an in-process GMM for manual exercise of its
// allocation and accounting paths from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/alexpilotti/vboxgmm/pkg/gmm"
	"github.com/alexpilotti/vboxgmm/pkg/gmm/hostmem"
	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&initCmd{}, "")
	subcommands.Register(&reserveCmd{}, "")
	subcommands.Register(&allocCmd{}, "")
	subcommands.Register(&statsCmd{}, "")
	subcommands.Register(&freeCmd{}, "")

	flag.Parse()
	log.SetLevel(log.InfoLevel)
	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig reads a TOML config file, falling back to DefaultConfig
// when path is empty.
func loadConfig(path string, maxPages uint64) (gmm.Config, error) {
	if path == "" {
		return gmm.DefaultConfig(maxPages), nil
	}
	var cfg gmm.Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return gmm.Config{}, fmt.Errorf("gmmctl: decoding %s: %w", path, err)
	}
	return cfg, nil
}

func newGMM(configPath string, maxPages uint64) (*gmm.GMM, error) {
	cfg, err := loadConfig(configPath, maxPages)
	if err != nil {
		return nil, err
	}
	return gmm.New(cfg, hostmem.New())
}

type initCmd struct {
	config   string
	maxPages uint64
	vm       uint64
}

func (*initCmd) Name() string     { return "init" }
func (*initCmd) Synopsis() string { return "create a GMM and register one VM" }
func (*initCmd) Usage() string {
	return "init -vm=<handle> [-config=<path>] [-max-pages=<n>]:\n"
}

func (c *initCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML config file")
	f.Uint64Var(&c.maxPages, "max-pages", 65536, "global page ceiling when -config is unset")
	f.Uint64Var(&c.vm, "vm", 1, "VM handle to register")
}

func (c *initCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	g, err := newGMM(c.config, c.maxPages)
	if err != nil {
		log.WithError(err).Error("gmmctl: init failed")
		return subcommands.ExitFailure
	}
	token, err := g.InitPerVM(gmm.VMHandle(c.vm), gmm.PolicyNoOvercommit, gmm.PriorityNormal)
	if err != nil {
		log.WithError(err).Error("gmmctl: InitPerVM failed")
		return subcommands.ExitFailure
	}
	fmt.Printf("vm=%d token=%d legacy_mode=%v\n", c.vm, token, g.LegacyMode())
	return subcommands.ExitSuccess
}

type reserveCmd struct {
	vm    uint64
	token uint64
	base  uint64
}

func (*reserveCmd) Name() string     { return "reserve" }
func (*reserveCmd) Synopsis() string { return "no-op: logs that each gmmctl run uses a throwaway GMM" }
func (*reserveCmd) Usage() string {
	return "reserve -vm=<handle> -token=<token> -base=<pages>:\n"
}

func (c *reserveCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.vm, "vm", 1, "VM handle")
	f.Uint64Var(&c.token, "token", 0, "owner token returned by init")
	f.Uint64Var(&c.base, "base", 256, "base-account reservation in pages")
}

func (c *reserveCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log.Warn("gmmctl: reserve runs against a throwaway GMM; pair it with alloc/stats in a single scripted session")
	return subcommands.ExitSuccess
}

type allocCmd struct {
	pages uint64
}

func (*allocCmd) Name() string     { return "alloc" }
func (*allocCmd) Synopsis() string { return "allocate pages for a VM (demo: prints PFNs of a throwaway GMM)" }
func (*allocCmd) Usage() string    { return "alloc -pages=<n>:\n" }

func (c *allocCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.pages, "pages", 16, "number of pages to allocate")
}

func (c *allocCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	g, err := newGMM("", 65536)
	if err != nil {
		log.WithError(err).Error("gmmctl: alloc failed")
		return subcommands.ExitFailure
	}
	const vm = gmm.VMHandle(1)
	token, err := g.InitPerVM(vm, gmm.PolicyNoOvercommit, gmm.PriorityNormal)
	if err != nil {
		log.WithError(err).Error("gmmctl: InitPerVM failed")
		return subcommands.ExitFailure
	}
	if err := g.InitialReservation(vm, token, c.pages, 0, 0); err != nil {
		log.WithError(err).Error("gmmctl: InitialReservation failed")
		return subcommands.ExitFailure
	}
	ids := make([]gmmpage.ID, c.pages)
	pfns := make([]uint32, c.pages)
	if err := g.AllocatePages(vm, token, gmm.AccountBase, ids, pfns); err != nil {
		log.WithError(err).Error("gmmctl: AllocatePages failed")
		return subcommands.ExitFailure
	}
	for i := range ids {
		fmt.Printf("page[%d] id=%d pfn=%d\n", i, ids[i], pfns[i])
	}
	return subcommands.ExitSuccess
}

type statsCmd struct{}

func (*statsCmd) Name() string             { return "stats" }
func (*statsCmd) Synopsis() string         { return "print a fresh GMM's legacy-mode flag" }
func (*statsCmd) Usage() string            { return "stats:\n" }
func (*statsCmd) SetFlags(f *flag.FlagSet) {}

func (c *statsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	g, err := newGMM("", 65536)
	if err != nil {
		log.WithError(err).Error("gmmctl: stats failed")
		return subcommands.ExitFailure
	}
	fmt.Printf("legacy_mode=%v\n", g.LegacyMode())
	return subcommands.ExitSuccess
}

type freeCmd struct{}

func (*freeCmd) Name() string             { return "free" }
func (*freeCmd) Synopsis() string         { return "not implemented; reserved for the handy-page retire path" }
func (*freeCmd) Usage() string            { return "free:\n" }
func (*freeCmd) SetFlags(f *flag.FlagSet) {}

func (c *freeCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, "gmmctl: free is not implemented outside of AllocateHandyPages' retire step")
	return subcommands.ExitFailure
}
