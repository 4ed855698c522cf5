// 求人サービスのエントリポイント。
// 求人のCRUDと求人一覧の公開APIを担当する。保護されたAPIは
// 認証サービスへのトークン検証を通過したリクエストのみ受け付ける。
package main

import (
	"log"

	"github.com/nao1215/jobhub/internal/job"
)

func main() {
	cfg := job.LoadConfig()

	server, err := job.NewServer(cfg)
	if err != nil {
		log.Fatalf("求人サーバーの初期化に失敗: %v", err)
	}

	log.Printf("求人サービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("求人サービスの起動に失敗: %v", err)
	}
}
