/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timeplex/unisyncd/config"
)

var configtestCmd = &cobra.Command{
	Use:   "configtest",
	Short: "Parse and validate the config file, printing every problem found",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()

		_, diags, err := config.Prepare(rootConfigFlag)
		if err != nil {
			return err
		}
		if len(diags) == 0 {
			fmt.Println("config ok")
			return nil
		}
		for _, d := range diags {
			log.Error(d)
		}
		return fmt.Errorf("config has %d problem(s)", len(diags))
	},
}

func init() {
	RootCmd.AddCommand(configtestCmd)
}
