// 認証サービスのエントリポイント。
// アカウント登録・ログイン・トークン検証と、Google/GitHubの
// フェデレーションログインを担当する。他サービスはこのサービスの
// 検証APIを経由してリクエストの身元を確認する。
package main

import (
	"log"

	"github.com/nao1215/jobhub/internal/auth"
)

func main() {
	cfg := auth.LoadConfig()

	server, err := auth.NewServer(cfg)
	if err != nil {
		log.Fatalf("認証サーバーの初期化に失敗: %v", err)
	}

	log.Printf("認証サービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("認証サービスの起動に失敗: %v", err)
	}
}
