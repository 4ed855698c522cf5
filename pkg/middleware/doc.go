// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 認証サービスへの問い合わせによるリクエスト認証（AuthGate）、
// パニックリカバリ、CORS設定など、全サービスで共通して使用する
// ミドルウェアを含む。AuthGateは各下流サービスに同一のロジックで
// 組み込まれ、公開パスとブラウザページの集合だけを設定で変える。
package middleware
