package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"akvs/avl"

	"github.com/tidwall/sjson"
	"github.com/urfave/cli/v2"
)

func putKey(ctx *cli.Context) error {

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

	var data []byte
	patches := ctx.StringSlice("set")

	if len(patches) > 0 {
		// Патч-режим: берём текущее JSON-значение (или пустой объект)
		// и применяем sjson-пути поверх него
		current := "{}"
		if existing, err := app.repo.Get(ctxTimeout, []byte(key)); err == nil {
			current = string(existing)
		} else if !errors.Is(err, avl.ErrKeyNotFound) {
			return fmt.Errorf("ошибка чтения текущего значения: %w", err)
		}

		for _, patch := range patches {
			path, value, ok := strings.Cut(patch, "=")
			if !ok {
				return fmt.Errorf("неверный формат --set: %q (ожидается путь=значение)", patch)
			}
			if json.Valid([]byte(value)) {
				current, err = sjson.SetRaw(current, path, value)
			} else {
				current, err = sjson.Set(current, path, value)
			}
			if err != nil {
				return fmt.Errorf("ошибка применения патча %q: %w", patch, err)
			}
		}
		data = []byte(current)
	} else {
		if ctx.NArg() < 2 {
			return fmt.Errorf("требуется ключ и значение")
		}
		value := ctx.Args().Get(1)

		if ctx.Bool("json") {
			var jsonData interface{}
			if err := json.Unmarshal([]byte(value), &jsonData); err != nil {
				return fmt.Errorf("неверный JSON: %w", err)
			}
			data, _ = json.Marshal(jsonData)
		} else {
			data = []byte(value)
		}
	}

	if err := app.repo.Put(ctxTimeout, []byte(key), data); err != nil {
		return fmt.Errorf("ошибка записи ключа: %w", err)
	}

	fmt.Printf("✅ Ключ '%s' сохранён\n", key)
	fmt.Printf("🌳 Хеш корня: %s\n", hex.EncodeToString(app.repo.RootHash()))

	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "put",
		Aliases: []string{"p"},
		Usage:   "Добавить или обновить ключ",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Сохранить значение как JSON",
			},
			&cli.StringSliceFlag{
				Name:    "set",
				Aliases: []string{"s"},
				Usage:   "Применить sjson-патч путь=значение к текущему JSON-значению",
			},
		},
		Action:    putKey,
		ArgsUsage: "<ключ> [значение]",
	})
}
