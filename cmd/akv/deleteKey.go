package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"akvs/avl"

	"github.com/urfave/cli/v2"
)

func deleteKey(ctx *cli.Context) error {

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

	if err := app.repo.Delete(ctxTimeout, []byte(key)); err != nil {
		if errors.Is(err, avl.ErrKeyNotFound) || errors.Is(err, avl.ErrEmptyTree) {
			return fmt.Errorf("ключ '%s' не найден", key)
		}
		return fmt.Errorf("ошибка удаления ключа: %w", err)
	}

	fmt.Printf("🗑️  Ключ '%s' удалён\n", key)
	if h := app.repo.RootHash(); h != nil {
		fmt.Printf("🌳 Хеш корня: %s\n", hex.EncodeToString(h))
	} else {
		fmt.Println("🌳 Дерево пусто")
	}

	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:      "delete",
		Aliases:   []string{"del", "rm"},
		Usage:     "Удалить ключ",
		Action:    deleteKey,
		ArgsUsage: "<ключ>",
	})
}
