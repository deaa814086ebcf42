package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"akvs/api"

	"github.com/urfave/cli/v2"
)

func serve(ctx *cli.Context) error {

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	config := api.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		config, err = api.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
		}
	}

	if ctx.IsSet("port") {
		config.Port = ctx.Int("port")
	}
	if ctx.IsSet("host") {
		config.Host = ctx.String("host")
	}

	server := api.NewServer(app.repo, config)

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("🚀 HTTP API запущен на %s:%d\n", config.Host, config.Port)
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("получен сигнал %s, останавливаем сервер", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка остановки сервера: %w", err)
	}

	fmt.Println("👋 Сервер остановлен")
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "serve",
		Usage: "Запустить HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Путь к YAML-конфигурации",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Адрес прослушивания",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Порт прослушивания",
			},
		},
		Action: serve,
	})
}
