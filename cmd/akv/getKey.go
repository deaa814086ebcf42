package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"akvs/avl"

	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v2"
)

func getKey(ctx *cli.Context) error {

	if ctx.NArg() < 1 {
		return fmt.Errorf("требуется ключ")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	key := ctx.Args().Get(0)

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := app.repo.Get(ctxTimeout, []byte(key))
	if err != nil {
		if errors.Is(err, avl.ErrKeyNotFound) {
			return fmt.Errorf("ключ '%s' не найден", key)
		}
		return fmt.Errorf("ошибка чтения ключа: %w", err)
	}

	if path := ctx.String("path"); path != "" {
		result := gjson.GetBytes(data, path)
		if !result.Exists() {
			return fmt.Errorf("путь '%s' не найден в значении ключа '%s'", path, key)
		}
		fmt.Println(result.String())
		return nil
	}

	if ctx.Bool("json") {
		var jsonData interface{}
		if err := json.Unmarshal(data, &jsonData); err == nil {
			pretty, _ := json.MarshalIndent(jsonData, "", "  ")
			fmt.Println(string(pretty))
			return nil
		}
	}

	fmt.Println(string(data))
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "get",
		Aliases: []string{"g"},
		Usage:   "Получить значение по ключу",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Форматировать JSON-значение",
			},
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Usage:   "Извлечь часть JSON-значения по gjson-пути",
			},
		},
		Action:    getKey,
		ArgsUsage: "<ключ>",
	})
}
