// Copyright 2025 The go-meshinfer Authors
// This file is part of the go-meshinfer library.
//
// The go-meshinfer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-meshinfer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-meshinfer library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/meshinfer/go-meshinfer/node"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

type meshinferConfig struct {
	Node node.Config
}

func loadConfig(file string, cfg *meshinferConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(f).Decode(cfg)
	if err != nil {
		return fmt.Errorf("%v in config file %s", err, file)
	}
	return nil
}

// makeConfig resolves the effective config: defaults, then the config file,
// then flag overrides.
func makeConfig(ctx *cli.Context) (meshinferConfig, error) {
	cfg := meshinferConfig{Node: node.DefaultConfig}

	if file := ctx.String(configFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.Node.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.Node.HTTPHost = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(httpPortFlag.Name) {
		cfg.Node.HTTPPort = ctx.Int(httpPortFlag.Name)
	}
	if ctx.IsSet(jwtSecretFlag.Name) {
		cfg.Node.JWTSecret = ctx.String(jwtSecretFlag.Name)
	}
	if ctx.IsSet(operatorTokenFlag.Name) {
		cfg.Node.OperatorToken = ctx.String(operatorTokenFlag.Name)
	}
	if ctx.IsSet(corsFlag.Name) {
		cfg.Node.CORSOrigins = ctx.StringSlice(corsFlag.Name)
	}
	if ctx.IsSet(cumulativeCompatFlag.Name) {
		cfg.Node.CumulativeCompat = ctx.Bool(cumulativeCompatFlag.Name)
	}
	if cfg.Node.OperatorToken == "" {
		return cfg, fmt.Errorf("an operator token is required (--%s)", operatorTokenFlag.Name)
	}
	return cfg, nil
}

// capitalise makes the first character upper case for usage strings.
func capitalise(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
