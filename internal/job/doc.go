// Package job は求人サービスの内部実装を提供する。
//
// 求人企業（EMPLOYER）向けの求人CRUD APIと閲覧用ページを持つ。
// 認証はAuthGateミドルウェアが担い、保護対象のリクエストは
// 毎回認証サービスへの問い合わせで検証される。求人一覧の取得は
// 未ログインでも閲覧できる公開APIとする。
package job
