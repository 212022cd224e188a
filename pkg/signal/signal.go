package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// WaitForShutdown 阻塞直到收到 SIGINT/SIGTERM（或 ctx 取消），然后在 grace 限定的 context 中
// 执行 shutdownFunc。返回 shutdown 的错误，超时则返回 grace context 的 ctx.Err()
func WaitForShutdown(ctx context.Context, logger *zap.Logger, grace time.Duration, shutdownFunc func(context.Context) error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("service is running, waiting for shutdown signal (SIGINT/SIGTERM)...")
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutdown requested", zap.Error(ctx.Err()))
	}

	return RunWithGrace(logger, grace, shutdownFunc)
}

// RunWithGrace 执行 shutdownFunc，超过 grace 后不再等待
func RunWithGrace(logger *zap.Logger, grace time.Duration, shutdownFunc func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- shutdownFunc(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("graceful shutdown completed successfully")
		return nil
	case <-ctx.Done():
		logger.Error("graceful shutdown timed out", zap.Duration("grace", grace))
		return ctx.Err()
	}
}
