/*
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

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/pkg/operator"
	"github.com/kweaver-ai/sandbox/pkg/operator/options"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := lo.Must(zap.NewProduction())
	defer func() { _ = logger.Sync() }()

	ctx = options.ToContext(ctx, options.New().MustParse())
	ctx = logging.WithLogger(ctx, logger)

	ctx, op := operator.NewOperator(ctx)
	logger.Info("starting control plane")
	if err := op.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("control plane exited", zap.Error(err))
	}
	logger.Info("control plane stopped")
}
