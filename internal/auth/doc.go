// Package auth は認証サービスの内部実装を提供する。
//
// アカウントの登録・ログイン・トークン発行と、全下流サービスの
// AuthGateが依存するトークン検証エンドポイントを持つ。外部プロバイダ
// （Google/GitHub）ログインのコールバックを内部アカウントに解決し、
// メールドメインのヒューリスティックで適切な下流サービスへ
// ルーティングする役割も担う。
package auth
