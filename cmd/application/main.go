// 応募サービスのエントリポイント。
// 求人への応募と求職者プロフィールを管理する。未認証のブラウザ
// アクセスは認証サービスのログインページへリダイレクトされる。
package main

import (
	"log"

	"github.com/nao1215/jobhub/internal/application"
)

func main() {
	cfg := application.LoadConfig()

	server, err := application.NewServer(cfg)
	if err != nil {
		log.Fatalf("応募サーバーの初期化に失敗: %v", err)
	}

	log.Printf("応募サービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("応募サービスの起動に失敗: %v", err)
	}
}
